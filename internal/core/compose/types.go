package compose

import "sort"

// Manifest is the part of a compose file a deploy run cares about.
type Manifest struct {
	Services []Service `json:"services" yaml:"services"`
}

// Service is one service of the manifest.
type Service struct {
	Name  string `json:"name" yaml:"name"`
	Image string `json:"image" yaml:"image"`
}

// Images returns the distinct images the manifest pulls, sorted.
func (m *Manifest) Images() []string {
	seen := make(map[string]bool, len(m.Services))
	images := make([]string, 0, len(m.Services))
	for _, svc := range m.Services {
		if !seen[svc.Image] {
			seen[svc.Image] = true
			images = append(images, svc.Image)
		}
	}
	sort.Strings(images)
	return images
}
