package compose

import (
	"context"
	"sort"
	"strings"

	"github.com/artpar/shipit/internal/core/domain"
	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// ParseManifest validates a compose manifest that will be activated on a
// remote host. The host only pulls, so every service must reference an image
// and none may carry a build section. env feeds ${VAR} interpolation.
func ParseManifest(content string, env map[string]string) (*Manifest, error) {
	if strings.TrimSpace(content) == "" {
		return nil, NewParseError("", "manifest is empty", ErrEmptyInput)
	}

	project, err := loadProject(content, env)
	if err != nil {
		return nil, err
	}

	if len(project.Services) == 0 {
		return nil, NewParseError("services", "no services defined", ErrNoServices)
	}

	names := make([]string, 0, len(project.Services))
	for name := range project.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	m := &Manifest{Services: make([]Service, 0, len(names))}
	for _, name := range names {
		svc := project.Services[name]
		field := "services." + name
		if svc.Build != nil {
			return nil, NewParseError(field+".build", "build sections cannot run on the remote host", ErrUnsupportedFeature)
		}
		if svc.Extends != nil && svc.Extends.File != "" {
			return nil, NewParseError(field+".extends", "extends from another file is not shipped", ErrUnsupportedFeature)
		}
		if strings.TrimSpace(svc.Image) == "" {
			return nil, NewParseError(field+".image", "image is required", ErrServiceNoImage)
		}
		m.Services = append(m.Services, Service{Name: name, Image: svc.Image})
	}
	return m, nil
}

// loadProject loads the manifest in memory using compose-go.
func loadProject(content string, env map[string]string) (*types.Project, error) {
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(content), &dict); err != nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}
	if dict == nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	dropHostFiles(dict)

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: []byte(content),
				Config:  dict,
			},
		},
		Environment: types.Mapping(env),
	}, func(opts *loader.Options) {
		opts.SetProjectName("shipit-manifest", false)
		opts.SkipNormalization = true
		opts.SkipExtends = true
		// env_file and include paths live on the target host.
		opts.SkipResolveEnvironment = true
		opts.SkipInclude = true
	})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "image") && strings.Contains(errStr, "build") {
			return nil, NewParseError("", "service must reference an image", ErrServiceNoImage)
		}
		return nil, NewParseError("", errStr, ErrInvalidYAML)
	}
	return project, nil
}

// dropHostFiles removes label_file entries, which compose-go would read from
// the local disk. They are resolved on the host at activation.
func dropHostFiles(dict map[string]interface{}) {
	services, ok := dict["services"].(map[string]interface{})
	if !ok {
		return
	}
	for _, svc := range services {
		if m, ok := svc.(map[string]interface{}); ok {
			delete(m, "label_file")
		}
	}
}

// ReferencesRepository reports whether any service pulls from the repository
// (registry/repository, tag ignored).
func (m *Manifest) ReferencesRepository(ref domain.ImageReference) bool {
	for _, img := range m.Images() {
		if domain.SameRepository(img, ref.Name()) {
			return true
		}
	}
	return false
}
