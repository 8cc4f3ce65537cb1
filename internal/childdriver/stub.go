package childdriver

import "os/exec"

// NewStub returns a ChildDriver bound to host:port without spawning any
// subprocess. It reports itself as already exited, so Shutdown returns
// immediately. It exists for tests in other packages (registry, in
// particular) that need a real *ChildDriver to wire through without
// paying for an actual WebDriver spawn.
func NewStub(host string, port int) *ChildDriver {
	exited := make(chan struct{})
	close(exited)
	return &ChildDriver{
		Port:   port,
		Host:   host,
		cmd:    exec.Command("true"),
		state:  Ready,
		exited: exited,
	}
}
