package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/distribution/reference"
)

// UniqueTagLayout renders the per-build tag at minute granularity
// (YYYYMMDD-HHmm). Two builds inside the same minute collide.
const UniqueTagLayout = "20060102-1504"

// defaultDomain is where registry-less repositories resolve.
const defaultDomain = "docker.io"

// DefaultStableTag is the mutable channel tag pushed alongside the unique tag.
const DefaultStableTag = "latest"

// ImageReference identifies one tag of a repository in a registry.
type ImageReference struct {
	Registry   string `json:"registry,omitempty" yaml:"registry,omitempty"`
	Repository string `json:"repository" yaml:"repository"`
	Tag        string `json:"tag" yaml:"tag"`
}

// NewImageReference validates the parts and returns an ImageReference.
func NewImageReference(registry, repository, tag string) (ImageReference, error) {
	ref := ImageReference{
		Registry:   strings.TrimSuffix(strings.TrimSpace(registry), "/"),
		Repository: strings.Trim(strings.TrimSpace(repository), "/"),
		Tag:        strings.TrimSpace(tag),
	}
	if err := ref.Validate(); err != nil {
		return ImageReference{}, err
	}
	return ref, nil
}

// ParseImageReference parses a full reference such as
// "ghcr.io/acme/api:20240101-1200". A missing tag defaults to the stable tag.
func ParseImageReference(s string) (ImageReference, error) {
	named, err := reference.ParseNormalizedNamed(strings.TrimSpace(s))
	if err != nil {
		return ImageReference{}, fmt.Errorf("%w: %s: %v", ErrInvalidReference, s, err)
	}
	ref := ImageReference{
		Registry:   reference.Domain(named),
		Repository: reference.Path(named),
		Tag:        DefaultStableTag,
	}
	if tagged, ok := named.(reference.Tagged); ok {
		ref.Tag = tagged.Tag()
	}
	return ref, nil
}

// Name returns registry/repository without a tag.
func (r ImageReference) Name() string {
	if r.Registry == "" {
		return r.Repository
	}
	return r.Registry + "/" + r.Repository
}

// String returns registry/repository:tag.
func (r ImageReference) String() string {
	return r.Name() + ":" + r.Tag
}

// WithTag returns a copy pointing at another tag of the same repository.
func (r ImageReference) WithTag(tag string) ImageReference {
	r.Tag = tag
	return r
}

// Validate checks the reference against the distribution grammar.
func (r ImageReference) Validate() error {
	if r.Repository == "" {
		return fmt.Errorf("%w: repository is required", ErrInvalidReference)
	}
	if r.Tag == "" {
		return fmt.Errorf("%w: tag is required", ErrInvalidReference)
	}
	named, err := reference.ParseNormalizedNamed(r.Name())
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidReference, r.Name(), err)
	}
	// Without a registry the first path component must not read as a host.
	if r.Registry == "" && reference.Domain(named) != defaultDomain {
		return fmt.Errorf("%w: repository %q starts with host %q; set the registry", ErrInvalidReference, r.Repository, reference.Domain(named))
	}
	if _, err := reference.WithTag(named, r.Tag); err != nil {
		return fmt.Errorf("%w: tag %q: %v", ErrInvalidReference, r.Tag, err)
	}
	return nil
}

// SameRepository reports whether two image strings name the same repository
// once normalized ("nginx" and "docker.io/library/nginx:1.25" match).
func SameRepository(a, b string) bool {
	ra, err := ParseImageReference(a)
	if err != nil {
		return false
	}
	rb, err := ParseImageReference(b)
	if err != nil {
		return false
	}
	return ra.Name() == rb.Name()
}

// UniqueTag derives the per-build tag from the build time in UTC.
func UniqueTag(t time.Time) string {
	return t.UTC().Format(UniqueTagLayout)
}

// PublishResult holds the two references pushed by a successful publish.
type PublishResult struct {
	Stable        ImageReference `json:"stable" yaml:"stable"`
	Unique        ImageReference `json:"unique" yaml:"unique"`
	CleanupErrors []error        `json:"-" yaml:"-"`
}

// Tags returns both references, unique first.
func (p PublishResult) Tags() []ImageReference {
	return []ImageReference{p.Unique, p.Stable}
}
