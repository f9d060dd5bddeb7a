package config

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/valuebridge/bridge-node/log"
	"github.com/valyala/fasttemplate"
	"gopkg.in/yaml.v3"
)

const (
	startTag = "{{"
	endTag   = "}}"
)

var (
	ErrCycleVars                 = fmt.Errorf("cycle vars")
	ErrMissingVars               = fmt.Errorf("missing vars")
	ErrUnsupportedConfigFileType = fmt.Errorf("unsupported config file type")

	unquotedVarRe = regexp.MustCompile(`=\s*\{\{([^}:]+)\}\}`)
	quotedVarRe   = regexp.MustCompile(`=\s*\"\{\{([^}:]+:int)\}\}\"`)
	typeMarkRe    = regexp.MustCompile(`\{\{([^}:]+:int)\}\}`)
)

type FileData struct {
	Name    string
	Content string
}

// ConfigRender merges TOML documents, later ones overriding earlier ones, and resolves the
// {{Var}} references they contain from the merged values or the environment
type ConfigRender struct {
	FilesData []FileData
	// LookupEnvFunc resolves environment variables, os.LookupEnv outside tests
	LookupEnvFunc func(key string) (string, bool)
	EnvPrefix     string
}

func NewConfigRender(filesData []FileData, envPrefix string) *ConfigRender {
	return &ConfigRender{
		FilesData:     filesData,
		LookupEnvFunc: os.LookupEnv,
		EnvPrefix:     envPrefix,
	}
}

// Render merges every file and resolves the vars of the result
func (c *ConfigRender) Render() (string, error) {
	merged, err := c.Merge()
	if err != nil {
		return "", fmt.Errorf("fail to merge files. Err: %w", err)
	}
	return c.ResolveVars(merged)
}

func (c *ConfigRender) Merge() (string, error) {
	k := koanf.New(".")
	for _, data := range c.FilesData {
		content := quoteVars(data.Content)
		if err := k.Load(rawbytes.Provider([]byte(content)), toml.Parser()); err != nil {
			log.Errorf("error loading file %s. Err:%v", data.Name, err)
			return "", fmt.Errorf("fail to load %s as toml. Err: %w", data.Name, err)
		}
	}
	marshaled, err := k.Marshal(toml.Parser())
	if err != nil {
		return "", fmt.Errorf("fail to marshal to toml. Err: %w", err)
	}
	return unquoteVars(string(marshaled)), nil
}

func (c *ConfigRender) ResolveVars(data string) (string, error) {
	tpl, values, err := c.readTemplate(data)
	if err != nil {
		return "", err
	}
	rendered := removeTypeMarks(c.execute(tpl, values))
	// vars neither defined nor in the environment can't be resolved by iterating
	if missing := c.unresolvedVars(tpl, values); len(missing) > 0 {
		return rendered, fmt.Errorf("missing vars: %v. Err: %w", missing, ErrMissingVars)
	}
	resolved, err := c.resolveChains(rendered)
	if err != nil {
		return data, err
	}
	return resolved, nil
}

// resolveChains renders again until no var is left. A round that resolves nothing means the
// remaining vars reference each other (A = {{B}}, B = {{A}})
func (c *ConfigRender) resolveChains(data string) (string, error) {
	current := unquoteVars(data)
	pending := varsIn(current)
	if len(pending) == 0 {
		return data, nil
	}
	log.Debugf("resolving chained vars: %v", pending)
	for len(pending) > 0 {
		before := len(pending)
		tpl, values, err := c.readTemplate(current)
		if err != nil {
			return "", fmt.Errorf("fail to read template resolving vars. Err: %w", err)
		}
		current = removeTypeMarks(unquoteVars(c.execute(tpl, values)))
		pending = varsIn(current)
		if len(pending) == before {
			return data, fmt.Errorf("not resolved cycle vars: %v. Err: %w", pending, ErrCycleVars)
		}
	}
	return current, nil
}

// readTemplate parses data as a template and as TOML, the latter with the vars quoted
func (c *ConfigRender) readTemplate(data string) (*fasttemplate.Template, map[string]interface{}, error) {
	tpl, err := fasttemplate.NewTemplate(data, startTag, endTag)
	if err != nil {
		return nil, nil, fmt.Errorf("fail to load template. Err:%w", err)
	}
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider([]byte(quoteVars(data))), toml.Parser()); err != nil {
		return nil, nil, fmt.Errorf("error parsing rendered config. Err: %w", err)
	}
	return tpl, k.All(), nil
}

// quoteVars makes unquoted values like A = {{B}} valid TOML, marking them to be unquoted back
func quoteVars(data string) string {
	return unquotedVarRe.ReplaceAllString(data, `= "{{${1}:int}}"`)
}

func unquoteVars(data string) string {
	return quotedVarRe.ReplaceAllStringFunc(data, func(match string) string {
		sub := quotedVarRe.FindStringSubmatch(match)
		if len(sub) < 2 { //nolint:mnd
			return match
		}
		name, _, _ := strings.Cut(sub[1], ":")
		return "= " + startTag + name + endTag
	})
}

func removeTypeMarks(data string) string {
	return typeMarkRe.ReplaceAllStringFunc(data, func(match string) string {
		sub := typeMarkRe.FindStringSubmatch(match)
		if len(sub) < 2 { //nolint:mnd
			return match
		}
		name, _, _ := strings.Cut(sub[1], ":")
		return startTag + name + endTag
	})
}

func (c *ConfigRender) execute(tpl *fasttemplate.Template, values map[string]interface{}) string {
	return tpl.ExecuteFuncString(func(w io.Writer, tag string) (int, error) {
		if v, ok := c.lookupEnv(tag); ok {
			return w.Write([]byte(v))
		}
		if v, ok := values[tag]; ok {
			return w.Write([]byte(fmt.Sprintf("%v", v)))
		}
		return w.Write([]byte(startTag + tag + endTag))
	})
}

// unresolvedVars returns the vars of tpl found neither in values nor in the environment
func (c *ConfigRender) unresolvedVars(tpl *fasttemplate.Template, values map[string]interface{}) []string {
	var res []string
	tpl.ExecuteFuncString(func(w io.Writer, tag string) (int, error) {
		if _, ok := c.lookupEnv(tag); ok {
			return 0, nil
		}
		if _, ok := values[tag]; !ok && !contains(res, tag) {
			res = append(res, tag)
		}
		return 0, nil
	})
	return res
}

func varsIn(data string) []string {
	tpl, err := fasttemplate.NewTemplate(data, startTag, endTag)
	if err != nil {
		return nil
	}
	var res []string
	tpl.ExecuteFuncString(func(w io.Writer, tag string) (int, error) {
		res = append(res, tag)
		return 0, nil
	})
	return res
}

func (c *ConfigRender) lookupEnv(tag string) (string, bool) {
	return c.LookupEnvFunc(c.EnvPrefix + "_" + strings.ReplaceAll(tag, ".", "_"))
}

func contains(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// convertFileToToml turns a JSON or YAML document into TOML
func convertFileToToml(fileData string, fileType string) (string, error) {
	var raw map[string]interface{}
	switch strings.ToLower(fileType) {
	case "json":
		k := koanf.New(".")
		if err := k.Load(rawbytes.Provider([]byte(fileData)), json.Parser()); err != nil {
			return fileData, fmt.Errorf("error loading json file. Err: %w", err)
		}
		raw = k.Raw()
	case "yml", "yaml":
		if err := yaml.Unmarshal([]byte(fileData), &raw); err != nil {
			return fileData, fmt.Errorf("error loading yaml file. Err: %w", err)
		}
	case "ini":
		return fileData, fmt.Errorf("cant convert from %s to TOML. Err: %w", fileType, ErrUnsupportedConfigFileType)
	default:
		log.Warnf("filetype %s unknown, assuming is a TOML file", fileType)
		return fileData, nil
	}
	tomlData, err := toml.Parser().Marshal(raw)
	if err != nil {
		return fileData, fmt.Errorf("error converting %s to toml. Err: %w", fileType, err)
	}
	return string(tomlData), nil
}
