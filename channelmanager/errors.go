package channelmanager

import "errors"

var (
	// ErrChannelNotFound is returned when an operation names a channel
	// id this manager has no open or pending channel for.
	ErrChannelNotFound = errors.New("channelmanager: channel not found")

	// ErrPendingChannelNotFound is returned when a funding-workflow
	// message names a temporary channel id this manager never opened.
	ErrPendingChannelNotFound = errors.New("channelmanager: pending channel not found")

	// ErrUnexpectedMessage is returned when a peer message arrives for a
	// channel that isn't in the state the message presumes.
	ErrUnexpectedMessage = errors.New("channelmanager: message not valid in this channel's current state")

	// ErrInsufficientBalance reports that a channel's own balance can't
	// cover an HTLC being added. No function in this package returns it.
	ErrInsufficientBalance = errors.New("channelmanager: insufficient local balance for HTLC")

	// ErrChannelNotActive is returned when an operation requires a
	// channel in StateNormal but finds one in any other state.
	ErrChannelNotActive = errors.New("channelmanager: channel is not in the Normal state")

	// ErrFundingFailed wraps a failure to construct or broadcast the
	// funding transaction during the outbound open workflow.
	ErrFundingFailed = errors.New("channelmanager: funding transaction construction failed")

	// ErrNoRouteToPeer is returned by SendPayment when the destination
	// isn't a directly connected channel peer. Routing a payment across
	// intermediate hops isn't something this manager does.
	ErrNoRouteToPeer = errors.New("channelmanager: no direct channel open with payment destination")

	// ErrInvalidCommitSig is returned when a counterparty's commit_sig
	// fails to verify against the commitment transaction this node just
	// built, per BOLT-2: a node must never revoke its current commitment
	// on the strength of a signature it hasn't checked.
	ErrInvalidCommitSig = errors.New("channelmanager: commit_sig does not verify against local commitment")

	// ErrRevocationMismatch is returned when a revoke_and_ack's disclosed
	// secret doesn't derive the per-commitment point this node actually
	// sent that commitment under.
	ErrRevocationMismatch = errors.New("channelmanager: revoke_and_ack secret does not match outstanding commitment")
)
