package launch

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"

	"voxprov/internal/core"
	"voxprov/internal/recipe"
)

// ReloadWarning is logged whenever the server runs with reload-on-change.
const ReloadWarning = "reload-on-change is a development mode: the server restarts its worker on source changes and in-flight requests are not guaranteed to survive a reload"

// Spec describes the server process to start.
type Spec struct {
	Argv []string
	// Dir is the working directory inside the image.
	Dir       string
	Env       map[string]string
	Host      string
	Port      int
	Root      string
	Isolation core.Isolation
	Reload    bool
}

// FromImage derives a launch spec from a built image. With noReload the
// reload flag is removed from the startup argv.
func FromImage(img core.ImageConfig, iso core.Isolation, noReload bool) (Spec, error) {
	if len(img.Cmd) == 0 {
		return Spec{}, errors.New("image has no startup command")
	}
	if img.Root == "" {
		return Spec{}, errors.New("image has no materialized root")
	}

	argv := append([]string(nil), img.Cmd...)
	reload := slices.Contains(argv, "--reload")
	if reload && noReload {
		argv = slices.DeleteFunc(argv, func(a string) bool { return a == "--reload" })
		reload = false
	}

	host, ok := recipe.ArgvFlag(argv, "--host")
	if !ok {
		host = recipe.DefaultHost
	}

	port := 0
	if v, ok := recipe.ArgvFlag(argv, "--port"); ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return Spec{}, fmt.Errorf("startup command has invalid --port %q", v)
		}
		port = p
	} else if len(img.ExposedPorts) > 0 {
		port = img.ExposedPorts[0]
	}
	if port < 1 || port > 65535 {
		return Spec{}, fmt.Errorf("cannot determine server port from %v", argv)
	}
	if len(img.ExposedPorts) > 0 && !slices.Contains(img.ExposedPorts, port) {
		return Spec{}, fmt.Errorf("server port %d is not among exposed ports %v", port, img.ExposedPorts)
	}

	dir := img.Workdir
	if dir == "" {
		dir = "/"
	}
	env := make(map[string]string, len(img.Env))
	for k, v := range img.Env {
		env[k] = v
	}

	return Spec{
		Argv:      argv,
		Dir:       dir,
		Env:       env,
		Host:      host,
		Port:      port,
		Root:      img.Root,
		Isolation: iso,
		Reload:    reload,
	}, nil
}

// Addr is the host:port the server binds.
func (s Spec) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// DialAddr is the address used to probe the server locally. Wildcard hosts
// are probed on loopback.
func (s Spec) DialAddr() string {
	host := s.Host
	switch host {
	case "", "0.0.0.0":
		host = "127.0.0.1"
	case "::", "[::]":
		host = "::1"
	}
	return net.JoinHostPort(host, strconv.Itoa(s.Port))
}
