package services

import "callengine/internal/core/domain"

// trigger is an input to the call state machine.
type trigger string

const (
	triggerLocalInitiate  trigger = "local_initiate"
	triggerInviteReceived trigger = "invite_received"
	triggerLocalAccept    trigger = "local_accept"
	triggerRemoteAccept   trigger = "remote_accept"
	triggerLocalDecline   trigger = "local_decline"
	triggerRemoteDecline  trigger = "remote_decline"
	triggerInviteExpired  trigger = "invite_expired"
	triggerPeerConnected  trigger = "peer_connected"
	triggerPeerUnhealthy  trigger = "peer_unhealthy"
	triggerPeersRecovered trigger = "peers_recovered"
	triggerRetryExhausted trigger = "retry_exhausted"
	triggerLocalHangup    trigger = "local_hangup"
	triggerRemoteHangup   trigger = "remote_hangup"
	triggerEndForEveryone trigger = "end_for_everyone"
	triggerAllLeft        trigger = "all_left"
	triggerRemoved        trigger = "removed"
	triggerFatalError     trigger = "fatal_error"
	triggerShutdown       trigger = "shutdown"
)

var allTriggers = []trigger{
	triggerLocalInitiate, triggerInviteReceived, triggerLocalAccept, triggerRemoteAccept,
	triggerLocalDecline, triggerRemoteDecline, triggerInviteExpired, triggerPeerConnected,
	triggerPeerUnhealthy, triggerPeersRecovered, triggerRetryExhausted, triggerLocalHangup,
	triggerRemoteHangup, triggerEndForEveryone, triggerAllLeft, triggerRemoved,
	triggerFatalError, triggerShutdown,
}

var allStatuses = []domain.CallStatus{
	domain.StatusIdle, domain.StatusRinging, domain.StatusConnecting, domain.StatusConnected,
	domain.StatusReconnecting, domain.StatusEnded, domain.StatusFailed,
}

// endingTriggers end a session from any non-terminal state.
var endingTriggers = map[trigger]bool{
	triggerLocalHangup:    true,
	triggerRemoteHangup:   true,
	triggerEndForEveryone: true,
	triggerAllLeft:        true,
	triggerRemoved:        true,
	triggerShutdown:       true,
}

var transitions = map[domain.CallStatus]map[trigger]domain.CallStatus{
	domain.StatusIdle: {
		triggerLocalInitiate:  domain.StatusRinging,
		triggerInviteReceived: domain.StatusRinging,
	},
	domain.StatusRinging: {
		triggerLocalAccept:    domain.StatusConnecting,
		triggerRemoteAccept:   domain.StatusConnecting,
		triggerLocalDecline:   domain.StatusEnded,
		triggerRemoteDecline:  domain.StatusEnded,
		triggerInviteExpired:  domain.StatusEnded,
		triggerRetryExhausted: domain.StatusFailed,
		triggerFatalError:     domain.StatusFailed,
	},
	domain.StatusConnecting: {
		triggerPeerConnected:  domain.StatusConnected,
		triggerRemoteDecline:  domain.StatusEnded,
		triggerRetryExhausted: domain.StatusFailed,
		triggerFatalError:     domain.StatusFailed,
	},
	domain.StatusConnected: {
		triggerPeerUnhealthy: domain.StatusReconnecting,
		triggerFatalError:    domain.StatusEnded,
	},
	domain.StatusReconnecting: {
		triggerPeersRecovered: domain.StatusConnected,
		triggerRetryExhausted: domain.StatusFailed,
		triggerFatalError:     domain.StatusFailed,
	},
}

// nextStatus is the pure transition function of a call session. The boolean
// is false when the trigger is a no-op in the given state; every pair of
// (status, trigger) is defined one way or the other.
func nextStatus(status domain.CallStatus, t trigger) (domain.CallStatus, bool) {
	if status.IsTerminal() {
		return status, false
	}
	if next, ok := transitions[status][t]; ok {
		return next, true
	}
	if endingTriggers[t] {
		return domain.StatusEnded, true
	}
	return status, false
}
