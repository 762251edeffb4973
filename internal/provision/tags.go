package provision

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

const (
	// 'Name' is well-known within AWS itself (it's what the console shows),
	// the rest let a human find everything this tool launched.
	tagKeyName      = "Name"
	tagKeyProject   = "Project"
	tagKeyOwner     = "Owner"
	tagKeyManagedBy = "ManagedBy"

	tagDefaultProject   = "bigdata-lab"
	tagDefaultManagedBy = "labprovision"
)

// tagSpecificationWithDefaults produces a tag specification for resource type
// 'rt' where the default tags are appended after 'withTags'.
func tagSpecificationWithDefaults(rt types.ResourceType, owner string, withTags ...types.Tag) []types.TagSpecification {
	return []types.TagSpecification{
		{
			ResourceType: rt,
			Tags:         append(withTags, tagsDefault(owner)...),
		},
	}
}

func tagsDefault(owner string) []types.Tag {
	tags := []types.Tag{
		{Key: aws.String(tagKeyProject), Value: aws.String(tagDefaultProject)},
		{Key: aws.String(tagKeyManagedBy), Value: aws.String(tagDefaultManagedBy)},
	}
	if owner != "" {
		tags = append(tags, types.Tag{Key: aws.String(tagKeyOwner), Value: aws.String(owner)})
	}
	return tags
}

func nameTag(name string) types.Tag {
	return types.Tag{Key: aws.String(tagKeyName), Value: aws.String(name)}
}

// tagValue looks up 'key' among 'tags'.
func tagValue(tags []types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}
