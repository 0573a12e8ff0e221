package runner

import (
	"fmt"
	"strconv"
	"strings"
)

// denylist of command fragments that are never executed, no matter who
// proposed them. Matching is case-insensitive substring.
var denylist = []string{
	"rm -rf /",
	"mkfs",
	"dd if=",
	"shutdown",
	"reboot",
	"poweroff",
	"format c:",
	"diskpart",
	"bcdedit",
	"reg delete",
	`del /s /q c:\`,
	`rd /s /q c:\`,
	":(){ :|:& };:",
}

// LooksDangerous reports whether cmd matches the denylist.
func LooksDangerous(cmd string) bool {
	c := strings.ToLower(cmd)
	for _, d := range denylist {
		if strings.Contains(c, d) {
			return true
		}
	}
	return false
}

// commandFailed inspects a /command response payload. A command succeeded
// only when the payload says status "ok" with exit code 0; the transport
// status code says nothing about the command itself.
func commandFailed(body any) (bool, string) {
	m, ok := body.(map[string]any)
	if !ok {
		return true, "invalid /command result (not a JSON object)"
	}

	status := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", m["status"])))
	ec := parseExitCode(m["exit_code"])

	msg := ""
	if s, ok := m["stderr"].(string); ok && strings.TrimSpace(s) != "" {
		msg = strings.TrimSpace(s)
	} else if s, ok := m["stdout"].(string); ok && strings.TrimSpace(s) != "" {
		msg = strings.TrimSpace(s)
	}

	if status == "ok" && ec == 0 {
		if msg == "" {
			msg = "OK"
		}
		return false, msg
	}
	if msg == "" {
		msg = fmt.Sprintf("command failed (status=%s, exit_code=%v)", status, m["exit_code"])
	}
	return true, msg
}

func parseExitCode(v any) int {
	switch ec := v.(type) {
	case nil:
		return 0
	case float64:
		return int(ec)
	case int:
		return ec
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(ec))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func commandText(body any) string {
	if m, ok := body.(map[string]any); ok {
		if cmd, ok := m["cmd"].(string); ok {
			return cmd
		}
	}
	return ""
}

func outputOf(body any) (stdout, stderr string) {
	m, ok := body.(map[string]any)
	if !ok {
		return "", ""
	}
	if s, ok := m["stdout"].(string); ok {
		stdout = s
	}
	if s, ok := m["stderr"].(string); ok {
		stderr = s
	}
	return stdout, stderr
}

func shortDetail(v any) string {
	s := strings.ReplaceAll(fmt.Sprintf("%v", v), "\r", "")
	if len(s) > 240 {
		return s[:239] + "…"
	}
	return s
}
