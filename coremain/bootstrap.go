// bootstrap.go carries the "external collaborator" concerns spec.md §1
// calls out as specified only at their interface (§6): daemonizing,
// chroot, privilege drop, and the PID file. Grounded on main()'s sequence
// in _examples/original_source/main.c, adapted where Go's runtime makes
// the original's approach unsafe or unavailable — see DESIGN.md.
package coremain

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// noGroup/noBody mirror NOBODY/NOGROUP in ttdnsd.h: the fixed low
// privilege identity the original drops to once bound to port 53.
const (
	noBody  = 65534
	noGroup = 65534
)

// requireRoot enforces main.c's "must run as root to bind to port 53 and
// chroot(2)" guard.
func requireRoot(port int, chroot bool) error {
	if os.Geteuid() != 0 && (port == defaultBindPort || chroot) {
		return newPrivilegeError("ttdnsd must run as root to bind to port %d or chroot", port)
	}
	return nil
}

// writePIDFile writes the current PID to path, truncating/creating it,
// matching main.c's pre-chroot PID file write.
func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return newConfigError("can't open pid file %s: %w", path, err)
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%d", os.Getpid())
	return err
}

// daemonizeEnv is the marker environment variable a re-exec'd child
// checks to know it is already the detached process, and must not
// re-exec again.
const daemonizeEnv = "TTDNSD_DAEMONIZED"

// daemonize re-execs the current process detached from the controlling
// terminal and exits the parent, the Go-safe equivalent of main.c's
// fork()+setsid(). A raw fork(2) after the Go runtime has started
// goroutines and background threads (GC, sysmon) is not safe — only the
// calling OS thread survives a fork, so anything the runtime depends on
// from other threads is gone in the child. Re-exec with
// SysProcAttr.Setsid achieves the same externally-visible effect
// (detached session, no controlling tty) without that hazard.
func daemonize() error {
	if os.Getenv(daemonizeEnv) != "" {
		return nil // already the detached child
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return newConfigError("can't open %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonizeEnv+"=1")
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return newConfigError("daemonize: %w", err)
	}
	os.Exit(0)
	return nil // unreachable
}

// doChroot chdirs and chroots into dir, matching main.c's dochroot block.
func doChroot(dir string) error {
	if err := os.Chdir(dir); err != nil {
		return newPrivilegeError("can't chdir to %s: %w", dir, err)
	}
	if err := syscall.Chroot(dir); err != nil {
		return newPrivilegeError("can't chroot to %s: %w", dir, err)
	}
	return nil
}

// checkTsocksConf verifies TSOCKS_CONF_FILE names a readable file once
// inside the chroot, matching main.c's post-chroot access() check. The
// forwarder never opens or parses this file itself (spec.md §6
// Environment: "does not otherwise interpret it") — the tunneling library
// injected into the process's TCP egress is the consumer.
func checkTsocksConf() error {
	path := os.Getenv(tsocksConfEnv)
	if path == "" {
		return newConfigError("%s is not set", tsocksConfEnv)
	}
	f, err := os.Open(path)
	if err != nil {
		return newConfigError("can't access tsocks config at %s: %w", path, err)
	}
	f.Close()
	return nil
}

// dropPrivileges sets the process's gid/uid to the fixed low-privilege
// identity once bound to the listening port, matching main.c's
// setgid(NOGROUP); setuid(NOBODY). Skipped when not running as root
// (debug/dev use) since the syscalls would merely fail.
func dropPrivileges() error {
	if os.Geteuid() != 0 {
		return nil
	}
	if err := syscall.Setgid(noGroup); err != nil {
		return newPrivilegeError("setgid: %w", err)
	}
	if err := syscall.Setuid(noBody); err != nil {
		return newPrivilegeError("setuid: %w", err)
	}
	return nil
}
