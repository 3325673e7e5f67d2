package bubblewrap

import (
	"fmt"
	"os"
	"sort"
)

// sandboxHome is where the environment's home directory appears inside
// the sandbox.
const sandboxHome = "/home/denv"

// argsBuilder assembles a bwrap argument list.
type argsBuilder struct {
	args []string
}

func (b *argsBuilder) add(args ...string) {
	b.args = append(b.args, args...)
}

func (b *argsBuilder) namespaces(hostname string) {
	b.add("--die-with-parent")
	b.add("--unshare-pid", "--unshare-ipc", "--unshare-uts", "--unshare-cgroup")
	b.add("--hostname", hostname)
}

func (b *argsBuilder) baseMounts() {
	b.add("--proc", "/proc")
	b.add("--dev", "/dev")
	b.add("--tmpfs", "/tmp")
}

// hostView exposes a restricted read-only subset of the host filesystem.
// Directories that do not exist on this host are skipped.
func (b *argsBuilder) hostView(extra []string) {
	dirs := []string{"/usr", "/bin", "/sbin", "/lib", "/lib64", "/etc", "/opt"}
	dirs = append(dirs, extra...)
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		b.add("--ro-bind", dir, dir)
	}
}

func (b *argsBuilder) homeAndWork(homeDir, workDir string) {
	b.add("--bind", homeDir, sandboxHome)
	b.add("--bind", workDir, sandboxHome+"/w")
	b.add("--chdir", sandboxHome)
}

// environment clears the inherited environment and repopulates the
// variables a login shell expects, plus extras in sorted order.
func (b *argsBuilder) environment(extra map[string]string) {
	b.add("--clearenv")
	b.add("--setenv", "HOME", sandboxHome)
	b.add("--setenv", "USER", "denv")
	b.add("--setenv", "LOGNAME", "denv")
	b.add("--setenv", "SHELL", "/bin/bash")
	b.add("--setenv", "PATH", "/usr/local/bin:/usr/bin:/bin:/usr/sbin:/sbin")
	if term := os.Getenv("TERM"); term != "" {
		b.add("--setenv", "TERM", term)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.add("--setenv", k, extra[k])
	}
}

// seccomp applies the pre-built syscall filter inherited on fd.
func (b *argsBuilder) seccomp(fd int) {
	b.add("--seccomp", fmt.Sprint(fd))
}
