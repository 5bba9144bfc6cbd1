// Package loginshell discovers the invoking user's login shell, mirroring
// the Python reference implementation's guess_login_shell: look up the
// effective user's /etc/passwd entry and fall back to /bin/sh if the
// recorded shell isn't executable.
//
// Go has no wrapper around getpwuid in the standard library; os/user
// resolves a name but not pw_shell, so this reads /etc/passwd directly,
// the same source pwd.getpwuid ultimately consults.
package loginshell

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const fallbackShell = "/bin/sh"

// Guess returns the login shell for the effective user: the pw_shell field
// of the matching /etc/passwd entry if it names an executable file, or
// fallbackShell otherwise.
func Guess() string {
	shell, err := lookupShell(syscall.Geteuid())
	if err != nil || !isExecutable(shell) {
		return fallbackShell
	}
	return shell
}

// Argv0 returns the conventional argv[0] for a login shell invocation: a
// leading hyphen followed by the shell's base name, signaling to the shell
// that it should behave as a login shell.
func Argv0(shellPath string) string {
	return "-" + filepath.Base(shellPath)
}

func lookupShell(uid int) (string, error) {
	f, err := os.Open("/etc/passwd")
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 7 {
			continue
		}
		entryUID, err := strconv.Atoi(fields[2])
		if err != nil || entryUID != uid {
			continue
		}
		return fields[6], nil
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no passwd entry for uid %d", uid)
}

func isExecutable(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
