// Package syncerr defines the error taxonomy shared by the sync engine.
//
// Components wrap these sentinels with fmt.Errorf("...: %w", err) so callers
// can classify failures with errors.Is or KindOf:
//
//	if errors.Is(err, syncerr.ErrLocalStorage) {
//	    // the local mutation did not happen
//	}
package syncerr

import "errors"

var (
	// ErrTransientNetwork is returned when the remote authority could not be
	// reached, the call timed out, or the server reported a temporary failure.
	// Nothing was applied; the next trigger retries.
	ErrTransientNetwork = errors.New("transient network failure")

	// ErrAuthExpired is returned when the remote authority rejects the
	// session. The session layer must re-authenticate before the next attempt.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrEntryRejected is recorded on a single outbox entry that the remote
	// authority refused (validation failure). Other entries are unaffected.
	ErrEntryRejected = errors.New("entry rejected by remote")

	// ErrLocalStorage is returned when local persistence fails. The
	// originating mutation is rolled back and the error reaches the caller
	// synchronously.
	ErrLocalStorage = errors.New("local storage failure")

	// ErrRemoteProtocol is returned when the remote authority answers with a
	// response the client cannot use (unexpected status or malformed body).
	ErrRemoteProtocol = errors.New("remote protocol error")
)

// Kind is the coarse error category surfaced in SyncState.
type Kind string

const (
	// KindNone means no error.
	KindNone Kind = ""
	// KindTransientNetwork maps ErrTransientNetwork.
	KindTransientNetwork Kind = "transient_network"
	// KindAuthExpired maps ErrAuthExpired.
	KindAuthExpired Kind = "auth_expired"
	// KindEntryRejected maps ErrEntryRejected.
	KindEntryRejected Kind = "entry_rejected"
	// KindLocalStorage maps ErrLocalStorage.
	KindLocalStorage Kind = "local_storage"
	// KindRemoteProtocol maps ErrRemoteProtocol.
	KindRemoteProtocol Kind = "remote_protocol"
	// KindUnknown covers anything else.
	KindUnknown Kind = "unknown"
)

// KindOf classifies err. A nil error is KindNone.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrAuthExpired):
		return KindAuthExpired
	case errors.Is(err, ErrTransientNetwork):
		return KindTransientNetwork
	case errors.Is(err, ErrEntryRejected):
		return KindEntryRejected
	case errors.Is(err, ErrLocalStorage):
		return KindLocalStorage
	case errors.Is(err, ErrRemoteProtocol):
		return KindRemoteProtocol
	default:
		return KindUnknown
	}
}

// IsRetryable returns true if the error is likely to succeed on a later
// trigger without user intervention.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransientNetwork)
}

// IsUserActionRequired returns true if the error needs the user (or the
// session layer acting for them) before a retry can succeed.
func IsUserActionRequired(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAuthExpired)
}
