package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/chainguard-dev/clog"
	"github.com/gobwas/glob"
)

// ImageQuery selects base images from the public catalog.
type ImageQuery struct {
	// Owners are trusted publisher account IDs (or aliases like 'amazon').
	Owners []string
	// NamePattern is an EC2-style name glob ('*' and '?').
	NamePattern string
	// Architecture, when set, restricts the match (ex: 'x86_64').
	Architecture string
}

// Image is the transient result of a catalog query.
type Image struct {
	ID   string
	Name string
	// CreationDate is zero when the catalog's timestamp does not parse.
	CreationDate time.Time
	// Created is the timestamp exactly as the catalog reported it.
	Created string
}

// ResolveImage returns the newest available image matching 'q'.
//
// The name glob and 'available' state are sent as request filters and checked
// again on the response, so a catalog that ignores a filter cannot slip a
// non-matching image through. No match is an error wrapping 'ErrNoImage',
// never a default image.
//
// Creation dates are compared as RFC 3339 times. When either side of a
// comparison does not parse, the raw strings are compared instead; the
// catalog's ISO 8601 format sorts the same way lexically.
func ResolveImage(ctx context.Context, api EC2API, q ImageQuery) (Image, error) {
	log := clog.FromContext(ctx)

	if q.NamePattern == "" {
		return Image{}, fmt.Errorf("%w: image name pattern is required", ErrConfig)
	}
	matcher, err := glob.Compile(q.NamePattern)
	if err != nil {
		return Image{}, fmt.Errorf("%w: image name pattern %q: %w", ErrConfig, q.NamePattern, err)
	}

	filters := []types.Filter{
		{Name: aws.String("name"), Values: []string{q.NamePattern}},
		{Name: aws.String("state"), Values: []string{string(types.ImageStateAvailable)}},
	}
	if q.Architecture != "" {
		filters = append(filters, types.Filter{
			Name:   aws.String("architecture"),
			Values: []string{q.Architecture},
		})
	}
	input := &ec2.DescribeImagesInput{
		Owners:  q.Owners,
		Filters: filters,
	}

	var (
		newest       Image
		newestParsed bool
		found        bool
		seen         int
	)
	paginator := ec2.NewDescribeImagesPaginator(api, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return Image{}, fmt.Errorf("%w: describing images: %w", ErrProvider, err)
		}
		for _, img := range page.Images {
			seen++
			if img.State != types.ImageStateAvailable || !matcher.Match(aws.ToString(img.Name)) {
				continue
			}
			raw := aws.ToString(img.CreationDate)
			created, err := parseCreationDate(raw)
			parsed := err == nil
			if !parsed {
				log.Debug("comparing unparseable creation date lexically",
					"id", aws.ToString(img.ImageId),
					"creation_date", raw,
				)
			}
			// Strictly newer wins, so the first of several equal timestamps
			// is kept.
			var newer bool
			switch {
			case !found:
				newer = true
			case parsed && newestParsed:
				newer = created.After(newest.CreationDate)
			default:
				newer = raw > newest.Created
			}
			if newer {
				newest = Image{
					ID:           aws.ToString(img.ImageId),
					Name:         aws.ToString(img.Name),
					CreationDate: created,
					Created:      raw,
				}
				newestParsed = parsed
				found = true
			}
		}
	}
	if !found {
		return Image{}, fmt.Errorf("%w: owners=%v name=%q (%d images returned)", ErrNoImage, q.Owners, q.NamePattern, seen)
	}

	log.Info("resolved image", "id", newest.ID, "name", newest.Name, "created", newest.Created)
	return newest, nil
}

// parseCreationDate reads the catalog's ISO 8601 timestamps
// (ex: '2024-03-01T12:34:56.000Z').
func parseCreationDate(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
