package mock

import "golang.org/x/crypto/ssh"

// marshalExitStatus marshals the standard 'exit-status' message body to
// indicate to the caller the exit code of the executed process.
func marshalExitStatus(exitCode uint32) []byte {
	return ssh.Marshal(struct {
		Status uint32
	}{exitCode})
}

// unmarshalExec extracts the command string from an 'exec' request payload
// (RFC 4254 section 6.5).
func unmarshalExec(payload []byte) (string, error) {
	var msg struct {
		Command string
	}
	if err := ssh.Unmarshal(payload, &msg); err != nil {
		return "", err
	}
	return msg.Command, nil
}
