package gpu

import (
	"fmt"
	"regexp"
	"strings"
)

const archOptionPrefix = "--gpu-architecture="

// Headers that resolve without being supplied to CreateProgram.
var simBuiltinHeaders = map[string]bool{
	"hip/hip_runtime.h": true,
	"cuda_runtime.h":    true,
}

// Names that may be followed by '(' without being declared in the
// translation unit: statements, functional casts and device builtins.
var simKnownCallees = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "return": true, "sizeof": true,
	"float": true, "int": true, "unsigned": true, "double": true, "size_t": true,
	"__launch_bounds__": true, "__syncthreads": true, "__threadfence": true,
	"atomicAdd": true, "min": true, "max": true, "fminf": true, "fmaxf": true,
	"fabsf": true, "sqrtf": true, "rsqrtf": true, "expf": true, "logf": true,
	"sinf": true, "cosf": true, "powf": true, "printf": true,
}

var (
	simEntryPattern    = regexp.MustCompile(`(extern\s+"C"\s+)?__global__\s+void\s+([A-Za-z_]\w*)\s*\(([^)]*)\)`)
	simIncludePattern  = regexp.MustCompile(`^\s*#\s*include\s*[<"]([^>"]+)[>"]`)
	simDeclPattern     = regexp.MustCompile(`\b(?:void|float|int|unsigned|size_t|double|bool)\s*\*?\s+([A-Za-z_]\w*)\s*\(`)
	simCallPattern     = regexp.MustCompile(`\b([A-Za-z_]\w*)\s*\(`)
	simDanglingPattern = regexp.MustCompile(`([-+*/%=<>&|^])\s*;`)
)

// simProgram compiles kernel source for the simulator. It does not
// generate code from the kernel bodies: it checks the translation unit,
// finds the exported entry points and binds each to the simulator's
// generator for that entry.
type simProgram struct {
	arch      string
	source    string
	name      string
	log       strings.Builder
	errors    int
	code      []byte
	destroyed bool
}

// CreateProgram creates a compilation unit for the simulated device.
func (s *SimBackend) CreateProgram(source, name string) (Program, error) {
	if name == "" {
		name = "default_program"
	}
	return &simProgram{arch: s.cfg.Arch, source: source, name: name}, nil
}

func (p *simProgram) Log() string {
	return p.log.String()
}

func (p *simProgram) Code() ([]byte, error) {
	if p.destroyed {
		return nil, ErrInvalidHandle
	}
	if p.code == nil {
		return nil, fmt.Errorf("program %s has no code: not compiled", p.name)
	}
	return p.code, nil
}

func (p *simProgram) Destroy() error {
	p.destroyed = true
	p.code = nil
	return nil
}

func (p *simProgram) Compile(options []string) error {
	if p.destroyed {
		return ErrInvalidHandle
	}
	p.log.Reset()
	p.errors = 0
	p.code = nil

	arch := ""
	for _, opt := range options {
		if strings.HasPrefix(opt, archOptionPrefix) {
			arch = strings.TrimPrefix(opt, archOptionPrefix)
			continue
		}
		p.diag(0, 0, "warning", fmt.Sprintf("argument unused during compilation: '%s'", opt))
	}
	switch {
	case arch == "":
		p.diag(0, 0, "error", "no target architecture specified")
	case arch != p.arch:
		p.diag(0, 0, "error", fmt.Sprintf("unsupported GPU architecture '%s'", arch))
	}
	if p.errors > 0 {
		return p.fail()
	}

	clean := stripComments(p.source)
	p.checkIncludes(clean)
	p.checkBalance(clean)
	if p.errors > 0 {
		return p.fail()
	}
	p.checkStatements(clean)
	if p.errors > 0 {
		return p.fail()
	}

	manifest := simManifest{Arch: arch, Source: p.name}
	for _, m := range simEntryPattern.FindAllStringSubmatchIndex(clean, -1) {
		line, col := position(clean, m[0])
		name := clean[m[4]:m[5]]
		if m[2] < 0 {
			p.diag(line, col, "warning", fmt.Sprintf("kernel '%s' has C++ linkage; its symbol will be mangled", name))
			continue
		}
		kinds, err := parseParams(clean[m[6]:m[7]])
		if err != nil {
			p.diag(line, col, "error", fmt.Sprintf("kernel '%s': %v", name, err))
			continue
		}
		gen, ok := simKernels[name]
		if !ok {
			p.diag(line, col, "error", fmt.Sprintf("no device code generator for kernel '%s' on %s", name, arch))
			continue
		}
		if !sameParams(gen.params, kinds) {
			p.diag(line, col, "error", fmt.Sprintf("kernel '%s' declared as %s, generator expects %s",
				name, FormatParams(kinds), FormatParams(gen.params)))
			continue
		}
		manifest.Entries = append(manifest.Entries, entryFor(name, kinds))
	}
	if p.errors > 0 {
		return p.fail()
	}
	if len(manifest.Entries) == 0 {
		p.diag(0, 0, "warning", "no extern \"C\" __global__ entry points in translation unit")
	}

	code, err := encodeSimImage(manifest)
	if err != nil {
		return fmt.Errorf("encode code object: %w", err)
	}
	p.code = code
	return nil
}

func (p *simProgram) fail() error {
	fmt.Fprintf(&p.log, "%d error%s generated when compiling for %s.\n", p.errors, plural(p.errors), p.arch)
	return fmt.Errorf("%w: %s: %d error%s", ErrCompilation, p.name, p.errors, plural(p.errors))
}

func (p *simProgram) diag(line, col int, severity, msg string) {
	if severity == "error" {
		p.errors++
	}
	if line == 0 {
		fmt.Fprintf(&p.log, "%s: %s: %s\n", p.name, severity, msg)
		return
	}
	fmt.Fprintf(&p.log, "%s:%d:%d: %s: %s\n", p.name, line, col, severity, msg)
}

func (p *simProgram) checkIncludes(src string) {
	for i, l := range strings.Split(src, "\n") {
		m := simIncludePattern.FindStringSubmatch(l)
		if m == nil {
			continue
		}
		if !simBuiltinHeaders[m[1]] {
			p.diag(i+1, strings.Index(l, "#")+1, "error", fmt.Sprintf("'%s' file not found", m[1]))
		}
	}
}

// checkBalance reports the first unmatched bracket.
func (p *simProgram) checkBalance(src string) {
	closing := map[byte]byte{'(': ')', '[': ']', '{': '}'}
	type open struct {
		ch  byte
		pos int
	}
	var stack []open
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch c {
		case '(', '[', '{':
			stack = append(stack, open{c, i})
		case ')', ']', '}':
			if len(stack) == 0 {
				line, col := position(src, i)
				p.diag(line, col, "error", fmt.Sprintf("extraneous closing '%c'", c))
				return
			}
			top := stack[len(stack)-1]
			if closing[top.ch] != c {
				line, col := position(src, i)
				p.diag(line, col, "error", fmt.Sprintf("expected '%c'", closing[top.ch]))
				return
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		top := stack[len(stack)-1]
		line, col := position(src, top.pos)
		p.diag(line, col, "error", fmt.Sprintf("expected '%c' at end of input", closing[top.ch]))
	}
}

// checkStatements reports operators missing their right operand and calls
// to functions the translation unit never declares. Kernel bodies are not
// otherwise parsed.
func (p *simProgram) checkStatements(src string) {
	for _, m := range simDanglingPattern.FindAllStringSubmatchIndex(src, -1) {
		op := src[m[2]]
		if (op == '+' || op == '-') && m[2] > 0 && src[m[2]-1] == op {
			continue // x++; x--;
		}
		line, col := position(src, m[1]-1)
		p.diag(line, col, "error", "expected expression")
	}

	declared := map[string]bool{}
	for _, m := range simDeclPattern.FindAllStringSubmatch(src, -1) {
		declared[m[1]] = true
	}
	for _, m := range simCallPattern.FindAllStringSubmatchIndex(src, -1) {
		name := src[m[2]:m[3]]
		if declared[name] || simKnownCallees[name] {
			continue
		}
		line, col := position(src, m[2])
		p.diag(line, col, "error", fmt.Sprintf("use of undeclared identifier '%s'", name))
	}
}

// parseParams maps a C parameter list onto ParamKinds.
func parseParams(list string) ([]ParamKind, error) {
	list = strings.TrimSpace(list)
	if list == "" || list == "void" {
		return nil, nil
	}
	var kinds []ParamKind
	for _, raw := range strings.Split(list, ",") {
		decl := strings.TrimSpace(raw)
		if strings.Contains(decl, "*") {
			kinds = append(kinds, ParamPointer)
			continue
		}
		var words []string
		for _, w := range strings.Fields(decl) {
			switch w {
			case "const", "volatile", "__restrict__":
			default:
				words = append(words, w)
			}
		}
		if len(words) > 1 {
			words = words[:len(words)-1] // parameter name
		}
		switch strings.Join(words, " ") {
		case "float":
			kinds = append(kinds, ParamFloat32)
		case "int", "unsigned", "unsigned int":
			kinds = append(kinds, ParamInt32)
		case "size_t":
			kinds = append(kinds, ParamSizeT)
		default:
			return nil, fmt.Errorf("unsupported parameter type in '%s'", decl)
		}
	}
	return kinds, nil
}

// stripComments blanks out comments, keeping offsets and line breaks.
func stripComments(src string) string {
	b := []byte(src)
	inString := false
	for i := 0; i < len(b); i++ {
		switch {
		case inString:
			if b[i] == '\\' {
				i++
			} else if b[i] == '"' {
				inString = false
			}
		case b[i] == '"':
			inString = true
		case b[i] == '/' && i+1 < len(b) && b[i+1] == '/':
			for ; i < len(b) && b[i] != '\n'; i++ {
				b[i] = ' '
			}
		case b[i] == '/' && i+1 < len(b) && b[i+1] == '*':
			b[i], b[i+1] = ' ', ' '
			for i += 2; i < len(b); i++ {
				if b[i] == '*' && i+1 < len(b) && b[i+1] == '/' {
					b[i], b[i+1] = ' ', ' '
					i++
					break
				}
				if b[i] != '\n' {
					b[i] = ' '
				}
			}
		}
	}
	return string(b)
}

func position(src string, offset int) (line, col int) {
	line = 1 + strings.Count(src[:offset], "\n")
	col = offset - strings.LastIndex(src[:offset], "\n")
	return line, col
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
