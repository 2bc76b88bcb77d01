package mailbox

import "errors"

// Error taxonomy for a run. Connection and auth failures are fatal to
// the whole run and nothing is committed. Protocol errors are fatal to
// the folder being scanned; the runner's folder_error_policy decides
// whether the rest of the run proceeds.
var (
	// ErrConnection covers network and TLS handshake failures.
	ErrConnection = errors.New("imap connection failed")

	// ErrAuth covers login rejections.
	ErrAuth = errors.New("imap authentication failed")

	// ErrProtocol covers server-level failures after login: missing
	// folders, malformed responses, rejected commands.
	ErrProtocol = errors.New("imap protocol error")
)
