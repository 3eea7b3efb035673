package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "node":
		return nodeTemplate, nil
	case "relay":
		return relayTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const nodeTemplate = `name = "alpha"

[admin]
addr = "127.0.0.1:7480"
token = ""

[peer]
max_frame_bytes = 8388608
call_timeout = "30s"
event_capacity = 16

[services]
enable = ["sum", "kv"]
codec = "json"

[[listen]]
kind = "tcp"
addr = ":7400"

[[listen]]
kind = "ws"
addr = ":7401"
path = "/peer"
`

const relayTemplate = `name = "beta"

[admin]
addr = "127.0.0.1:7481"

[services]
enable = []

[backoff]
initial_delay = "250ms"
multiplier = 2.0
max_delay = "5s"
jitter = true

[[listen]]
kind = "tcp"
addr = ":7410"

[[upstream]]
name = "alpha"
kind = "tcp"
addr = "127.0.0.1:7400"
dial_timeout = "5s"
relay = ["sum/Add", "sum/Show", "kv/put", "kv/get", "kv/delete", "kv/list"]
`
