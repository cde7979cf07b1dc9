package prompts

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/ragmind-backend/internal/pkg/logger"
)

const promptsPathEnv = "PROMPTS_PATH"

//go:embed prompts.yaml
var defaultsFS embed.FS

// Registry keys. Keep in sync with prompts.yaml.
const (
	RAGSystem    = "rag_system"
	QueryRewrite = "query_rewrite"
	TableSummary = "table_summary"
	Refusal      = "refusal"
)

var requiredPrompts = []string{RAGSystem, QueryRewrite, Refusal}

// Prompt is one template plus the sampling parameters it should be invoked
// with. Zero values defer to the model gateway defaults.
type Prompt struct {
	System      string   `yaml:"system"`
	User        string   `yaml:"user"`
	Temperature float64  `yaml:"temperature"`
	TopP        float64  `yaml:"top_p"`
	MaxTokens   int      `yaml:"max_tokens"`
	Stop        []string `yaml:"stop"`
}

// RenderSystem substitutes {name} placeholders into the system template.
func (p Prompt) RenderSystem(vars map[string]string) string {
	return render(p.System, vars)
}

// RenderUser substitutes {name} placeholders into the user template.
func (p Prompt) RenderUser(vars map[string]string) string {
	return render(p.User, vars)
}

// render leaves unknown placeholders in place so a missing variable shows up
// in the output instead of vanishing silently.
func render(template string, vars map[string]string) string {
	if len(vars) == 0 {
		return template
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

type registryFile struct {
	Version int               `yaml:"version"`
	Prompts map[string]Prompt `yaml:"prompts"`
}

type Registry struct {
	prompts map[string]Prompt
}

// Load builds the registry from the embedded defaults, overlaid per prompt
// with the file at PROMPTS_PATH when set. A missing or broken override file
// logs a warning and keeps the defaults, so a bad deploy cannot take the
// chat path down.
func Load(log *logger.Logger) (*Registry, error) {
	data, err := defaultsFS.ReadFile("prompts.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded prompts: %w", err)
	}
	reg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse embedded prompts: %w", err)
	}

	if path := strings.TrimSpace(os.Getenv(promptsPathEnv)); path != "" {
		raw, rerr := os.ReadFile(path)
		if rerr != nil {
			log.Warn("prompt override file unreadable; keeping embedded defaults", "path", path, "error", rerr)
			return reg, nil
		}
		override, perr := parse(raw)
		if perr != nil {
			log.Warn("prompt override file invalid; keeping embedded defaults", "path", path, "error", perr)
			return reg, nil
		}
		for name, p := range override.prompts {
			reg.prompts[name] = p
		}
		log.Info("prompt overrides applied", "path", path, "count", len(override.prompts))
	}

	for _, name := range requiredPrompts {
		if _, ok := reg.prompts[name]; !ok {
			return nil, fmt.Errorf("prompt %q missing from registry", name)
		}
	}
	return reg, nil
}

func parse(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	if len(file.Prompts) == 0 {
		return nil, fmt.Errorf("no prompts defined")
	}
	for name, p := range file.Prompts {
		if strings.TrimSpace(p.System) == "" && strings.TrimSpace(p.User) == "" {
			return nil, fmt.Errorf("prompt %q has no template text", name)
		}
	}
	return &Registry{prompts: file.Prompts}, nil
}

func (r *Registry) Get(name string) (Prompt, error) {
	p, ok := r.prompts[name]
	if !ok {
		return Prompt{}, fmt.Errorf("prompt %q not defined", name)
	}
	return p, nil
}
