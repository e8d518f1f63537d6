package config

import (
	"fmt"
	"os"
)

// WriteTemplate writes the annotated example config to path.
func WriteTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(Template), 0o600)
}

// Template is a starting point for a local server.
const Template = `# chat server
listen_addr = ":50001"
# "tcp" or "udp"
transport = "tcp"
read_timeout = "1s"
write_timeout = "5s"
# "0s" keeps idle sessions forever
idle_timeout = "0s"

# confirmation policy
max_event_attempts = 3
confirm_timeout = "2s"
confirm_backoff_multiplier = 1.0
confirm_reliable = false
deliver_to_sender = true
fanout_limit = 16

announce_login = true
send_member_list = true
# 0 is unbounded
registry_capacity = 0
datagram_inbox = 64

tls_enabled = false
tls_cert_file = ""
tls_key_file = ""
tls_client_ca_file = ""

# empty disables /health, /stats, /clients and /metrics
admin_addr = "127.0.0.1:50080"
admin_cors_origins = ["http://localhost:3000"]

audit_enabled = true
# "log", "tcp" or "udp"
audit_transport = "log"
audit_addr = ""
audit_queue_size = 256
`
