package bootstrap

// command_sets.go defines the well-known command sequences run on a freshly
// launched Amazon Linux 2 instance.
//
// Every command must stay quiet on stderr when it succeeds: the runner treats
// any stderr output as a failure. Hence 'yum -q', 'curl -sS' and friends.

const (
	hadoopVersion = "3.3.6"
	sparkVersion  = "3.5.3"
)

// Installs a single-node Hadoop under /opt/hadoop with a Java 8 runtime.
var cmdSetInstallHadoop = []string{
	// Java runtime and the tools the remaining steps rely on.
	"sudo yum -q -y install java-1.8.0-openjdk-devel tar gzip",
	// Fetch and unpack the release.
	"curl -fsSL -o /tmp/hadoop.tar.gz https://dlcdn.apache.org/hadoop/common/hadoop-" + hadoopVersion + "/hadoop-" + hadoopVersion + ".tar.gz",
	"sudo tar -xzf /tmp/hadoop.tar.gz -C /opt",
	"sudo ln -sfn /opt/hadoop-" + hadoopVersion + " /opt/hadoop",
	"sudo chown -R ec2-user:ec2-user /opt/hadoop-" + hadoopVersion,
	"rm -f /tmp/hadoop.tar.gz",
	// Environment for login shells.
	`cat <<'EOF' | sudo tee /etc/profile.d/hadoop.sh > /dev/null
export JAVA_HOME=$(dirname $(dirname $(readlink -f $(which javac))))
export HADOOP_HOME=/opt/hadoop
export PATH=$PATH:$HADOOP_HOME/bin:$HADOOP_HOME/sbin
EOF`,
	// Smoke test.
	"source /etc/profile.d/hadoop.sh && hadoop version",
}

// Installs Spark (prebuilt for Hadoop 3) under /opt/spark. It does not
// depend on the Hadoop set having run.
var cmdSetInstallSpark = []string{
	"sudo yum -q -y install java-1.8.0-openjdk-devel tar gzip python3",
	"curl -fsSL -o /tmp/spark.tgz https://dlcdn.apache.org/spark/spark-" + sparkVersion + "/spark-" + sparkVersion + "-bin-hadoop3.tgz",
	"sudo tar -xzf /tmp/spark.tgz -C /opt",
	"sudo ln -sfn /opt/spark-" + sparkVersion + "-bin-hadoop3 /opt/spark",
	"sudo chown -R ec2-user:ec2-user /opt/spark-" + sparkVersion + "-bin-hadoop3",
	"rm -f /tmp/spark.tgz",
	`cat <<'EOF' | sudo tee /etc/profile.d/spark.sh > /dev/null
export SPARK_HOME=/opt/spark
export PATH=$PATH:$SPARK_HOME/bin:$SPARK_HOME/sbin
export PYSPARK_PYTHON=python3
EOF`,
	// 'spark-submit --version' prints its banner on stderr.
	"source /etc/profile.d/spark.sh && spark-submit --version 2>&1",
}
