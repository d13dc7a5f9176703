package launch

import (
	"regexp"
	"strings"
)

// Process exit codes for launch outcomes.
const (
	ExitOK           = 0
	ExitAppImport    = 5
	ExitPortInUse    = 6
	ExitServerExited = 7
)

// Class names how the server ended.
type Class string

const (
	ClassStopped      Class = "stopped"
	ClassClean        Class = "clean"
	ClassAppImport    Class = "app_import"
	ClassPortInUse    Class = "port_in_use"
	ClassServerExited Class = "server_exited"
)

// Exit is the classified end of a server process.
type Exit struct {
	Code        int    `json:"code"`
	Class       Class  `json:"class"`
	ProcessExit int    `json:"process_exit"`
	Diagnostic  string `json:"diagnostic,omitempty"`
	BeforeReady bool   `json:"before_ready"`
}

var (
	appImportPatterns = []*regexp.Regexp{
		regexp.MustCompile(`Could not import module`),
		regexp.MustCompile(`Attribute ".*" not found in module`),
		regexp.MustCompile(`Error loading ASGI app`),
		regexp.MustCompile(`ModuleNotFoundError: No module named`),
	}
	portInUsePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)address already in use`),
		regexp.MustCompile(`\[Errno (98|48)\]`),
	}
)

// MatchFatal reports whether line is a startup diagnostic the server never
// recovers from, and which class it belongs to.
func MatchFatal(line string) (Class, bool) {
	for _, re := range appImportPatterns {
		if re.MatchString(line) {
			return ClassAppImport, true
		}
	}
	for _, re := range portInUsePatterns {
		if re.MatchString(line) {
			return ClassPortInUse, true
		}
	}
	return "", false
}

// Classify maps the server's diagnostic output and exit status to an Exit.
// stopped means the user asked the server to stop.
func Classify(output string, processExit int, stopped, wasReady bool) Exit {
	e := Exit{ProcessExit: processExit, BeforeReady: !wasReady}
	if stopped {
		e.Class, e.Code = ClassStopped, ExitOK
		return e
	}
	for _, line := range strings.Split(output, "\n") {
		if class, ok := MatchFatal(line); ok {
			e.Class = class
			e.Diagnostic = strings.TrimSpace(line)
			e.Code = codeFor(class)
			return e
		}
	}
	if processExit == 0 && wasReady {
		e.Class, e.Code = ClassClean, ExitOK
		return e
	}
	e.Class, e.Code = ClassServerExited, ExitServerExited
	return e
}

func codeFor(c Class) int {
	switch c {
	case ClassAppImport:
		return ExitAppImport
	case ClassPortInUse:
		return ExitPortInUse
	case ClassStopped, ClassClean:
		return ExitOK
	default:
		return ExitServerExited
	}
}
