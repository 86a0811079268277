package config

import "fmt"

// Starter renders a commented starter configuration for a freshly
// initialized vault at |vault|. It parses back through Load with every
// default intact.
func Starter(vault string) string {
	return fmt.Sprintf(starterTemplate, vault)
}

const starterTemplate = `# fte orchestrator configuration.
vault_path: %s
max_concurrent_tasks: 2
poll_interval: 30s
max_iterations: 0            # 0 = unbounded
stop_hook_filename: .stop_hook

reasoning:
  command: ["fte-reason"]    # argv; the task path is appended
  timeout: 1h
  grace_period: 10s

priority_weights: {urgency: 0.4, deadline: 0.3, sender: 0.3}
# vip_senders: ["ceo@company.com"]
# client_senders: ["client-a@example.com"]
# internal_domains: ["company.com"]

retry:
  max_attempts: 5
  delays: [1m, 5m, 15m, 1h, 4h]

approvals:
  require: [payment, delete, deploy]
  timeouts: {payment: 24h, message: 6h, delete: 12h, deploy: 4h, other: 12h}
  expire_while_stopped: true

# authorized_approvers:
#   payment: ["ceo@*", "cfo@company.com"]

rate_limits:
  defaults: {per_minute: 10, per_hour: 100}

circuit:
  failure_threshold: 5
  failure_window: 60s
  open_timeout: 30s
  half_open_max_calls: 1

# drivers:
#   mail-sender: {path: /usr/local/lib/fte/mail-sender, timeout: 2m}
#   payment-gateway:
#     path: /usr/local/lib/fte/payment-gateway
#     timeout: 2m
#     permanent_exit_codes: [64, 65]

metrics:
  port: 0                    # 0 = disabled

log:
  level: info
  format: text               # text | json
`
