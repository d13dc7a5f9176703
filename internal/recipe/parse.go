package recipe

import (
	_ "embed"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strconv"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

//go:embed default.hcl
var defaultRecipe []byte

// DefaultFilename is the diagnostic name of the built-in recipe.
const DefaultFilename = "default.hcl"

// DefaultSource returns the built-in recipe text.
func DefaultSource() []byte {
	return append([]byte(nil), defaultRecipe...)
}

// Default parses the built-in recipe with the given variable overrides.
func Default(overrides map[string]string) (*Recipe, error) {
	return Parse(defaultRecipe, DefaultFilename, overrides)
}

// Load reads and parses the recipe at path.
func Load(path string, overrides map[string]string) (*Recipe, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading recipe: %w", err)
	}
	return Parse(src, path, overrides)
}

// hclFile is decoded without an eval context: only variable blocks are read
// and everything else is left in Remain for the second pass.
type hclFile struct {
	Variables []*hclVariable `hcl:"variable,block"`
	Remain    hcl.Body       `hcl:",remain"`
}

type hclImages struct {
	Images []*hclImage `hcl:"image,block"`
}

type hclVariable struct {
	Name string   `hcl:"name,label"`
	Body hcl.Body `hcl:",remain"`
}

type hclImage struct {
	Name    string            `hcl:"name,label"`
	From    string            `hcl:"from"`
	Workdir string            `hcl:"workdir"`
	Env     map[string]string `hcl:"env,optional"`
	Steps   []*hclStep        `hcl:"step,block"`
}

type hclStep struct {
	Kind string   `hcl:"kind,label"`
	Name string   `hcl:"name,label"`
	Body hcl.Body `hcl:",remain"`
}

type packagesBody struct {
	Names   []string `hcl:"names"`
	Manager *string  `hcl:"manager,optional"`
}

type cleanBody struct {
	Paths []string `hcl:"paths"`
}

type runBody struct {
	Shell string `hcl:"shell"`
}

type copyBody struct {
	Src  []string `hcl:"src"`
	Dest string   `hcl:"dest"`
}

type pipBody struct {
	Manifest  string   `hcl:"manifest"`
	NoCache   *bool    `hcl:"no_cache,optional"`
	Installer []string `hcl:"installer,optional"`
}

type modelBody struct {
	Name       string   `hcl:"name"`
	Downloader []string `hcl:"downloader,optional"`
}

type exposeBody struct {
	Port int `hcl:"port"`
}

type cmdBody struct {
	Server *string  `hcl:"server,optional"`
	App    *string  `hcl:"app,optional"`
	Host   *string  `hcl:"host,optional"`
	Port   *int     `hcl:"port,optional"`
	Reload *bool    `hcl:"reload,optional"`
	Argv   []string `hcl:"argv,optional"`
}

// Parse decodes recipe source. Variables are resolved first, with overrides
// replacing declared defaults, then the image block is decoded with `var.*`
// in scope.
func Parse(src []byte, filename string, overrides map[string]string) (*Recipe, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse recipe %s: %w", filename, diags)
	}

	var parsed hclFile
	diags = gohcl.DecodeBody(file.Body, nil, &parsed)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode recipe %s: %w", filename, diags)
	}

	vars, err := resolveVariables(parsed.Variables, overrides)
	if err != nil {
		return nil, fmt.Errorf("recipe %s: %w", filename, err)
	}

	evalCtx := &hcl.EvalContext{Variables: map[string]cty.Value{"var": cty.EmptyObjectVal}}
	if len(vars) > 0 {
		evalCtx.Variables["var"] = cty.ObjectVal(vars)
	}
	var images hclImages
	if diags := gohcl.DecodeBody(parsed.Remain, evalCtx, &images); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode recipe %s: %w", filename, diags)
	}
	if len(images.Images) != 1 {
		return nil, fmt.Errorf("recipe %s: expected exactly one image block, found %d", filename, len(images.Images))
	}
	img := images.Images[0]

	r := &Recipe{
		Filename:  filename,
		Name:      img.Name,
		From:      img.From,
		Workdir:   img.Workdir,
		Env:       img.Env,
		Variables: vars,
	}
	if r.Env == nil {
		r.Env = map[string]string{}
	}
	for _, hs := range img.Steps {
		s, err := decodeStep(hs, evalCtx)
		if err != nil {
			return nil, fmt.Errorf("recipe %s: %w", filename, err)
		}
		r.Steps = append(r.Steps, s)
	}
	return r, nil
}

func resolveVariables(blocks []*hclVariable, overrides map[string]string) (map[string]cty.Value, error) {
	vars := make(map[string]cty.Value, len(blocks))
	for _, b := range blocks {
		if _, dup := vars[b.Name]; dup {
			return nil, fmt.Errorf("variable %q declared twice", b.Name)
		}
		attrs, diags := b.Body.JustAttributes()
		if diags.HasErrors() {
			return nil, fmt.Errorf("variable %q: %w", b.Name, diags)
		}
		val := cty.NullVal(cty.String)
		if attr, ok := attrs["default"]; ok {
			v, diags := attr.Expr.Value(nil)
			if diags.HasErrors() {
				return nil, fmt.Errorf("variable %q default: %w", b.Name, diags)
			}
			val = v
		}
		vars[b.Name] = val
	}

	names := make([]string, 0, len(overrides))
	for name := range overrides {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		def, ok := vars[name]
		if !ok {
			return nil, fmt.Errorf("override for undeclared variable %q", name)
		}
		v, err := convertOverride(def, overrides[name])
		if err != nil {
			return nil, fmt.Errorf("variable %q: %w", name, err)
		}
		vars[name] = v
	}

	for name, v := range vars {
		if v.IsNull() {
			return nil, fmt.Errorf("variable %q has no default and no value", name)
		}
	}
	return vars, nil
}

// convertOverride parses raw into the type of the declared default.
func convertOverride(def cty.Value, raw string) (cty.Value, error) {
	switch {
	case !def.IsNull() && def.Type() == cty.Number:
		n, ok := new(big.Float).SetString(raw)
		if !ok {
			return cty.NilVal, fmt.Errorf("%q is not a number", raw)
		}
		return cty.NumberVal(n), nil
	case !def.IsNull() && def.Type() == cty.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return cty.NilVal, fmt.Errorf("%q is not a bool", raw)
		}
		return cty.BoolVal(b), nil
	default:
		return cty.StringVal(raw), nil
	}
}

func decodeStep(hs *hclStep, evalCtx *hcl.EvalContext) (Step, error) {
	s := Step{Kind: Kind(hs.Kind), Name: hs.Name}
	if !knownKinds[s.Kind] {
		return s, fmt.Errorf("step %q: unknown kind %q", hs.Name, hs.Kind)
	}

	var diags hcl.Diagnostics
	switch s.Kind {
	case KindPackages:
		var b packagesBody
		diags = gohcl.DecodeBody(hs.Body, evalCtx, &b)
		s.Packages = b.Names
		s.Manager = DefaultManager
		if b.Manager != nil {
			s.Manager = *b.Manager
		}
	case KindClean:
		var b cleanBody
		diags = gohcl.DecodeBody(hs.Body, evalCtx, &b)
		s.Paths = b.Paths
	case KindRun:
		var b runBody
		diags = gohcl.DecodeBody(hs.Body, evalCtx, &b)
		s.Shell = b.Shell
	case KindCopy:
		var b copyBody
		diags = gohcl.DecodeBody(hs.Body, evalCtx, &b)
		s.Src, s.Dest = b.Src, b.Dest
	case KindPip:
		var b pipBody
		diags = gohcl.DecodeBody(hs.Body, evalCtx, &b)
		s.Manifest = b.Manifest
		s.NoCache = b.NoCache == nil || *b.NoCache
		s.Installer = b.Installer
	case KindModel:
		var b modelBody
		diags = gohcl.DecodeBody(hs.Body, evalCtx, &b)
		s.Model = b.Name
		s.Downloader = b.Downloader
	case KindExpose:
		var b exposeBody
		diags = gohcl.DecodeBody(hs.Body, evalCtx, &b)
		s.Port = b.Port
	case KindCmd:
		var b cmdBody
		diags = gohcl.DecodeBody(hs.Body, evalCtx, &b)
		s.Argv = b.Argv
		if b.Server != nil {
			s.Server = *b.Server
		}
		if b.App != nil {
			s.App = *b.App
		}
		if b.Host != nil {
			s.Host = *b.Host
		}
		if b.Port != nil {
			s.Port = *b.Port
		}
		if b.Reload != nil {
			s.Reload = *b.Reload
		}
	}
	if diags.HasErrors() {
		return s, fmt.Errorf("step %q: %w", hs.Name, diags)
	}
	return s, nil
}
