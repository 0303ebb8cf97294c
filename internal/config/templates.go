package config

import (
	"fmt"
	"os"
)

func Template() string {
	return serverTemplate
}

func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(serverTemplate), 0o600)
}

const serverTemplate = `name = "dbgserver"
port = 6080
remote_enabled = true
force_local = true
application_type = "dbgwire"
log_level = "info"

# websocket_addr = "127.0.0.1:6081"
admin_addr = "127.0.0.1:6090"
admin_cors_origins = ["http://localhost:3000"]
# admin_token = "change-me"

# 0 admits every connection.
max_connections = 0
max_frame_bytes = 0
read_buffer_bytes = 32768
`
