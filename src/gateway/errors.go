package gateway

import (
	"errors"
	"fmt"
)

type GatewayOpcode = int

const (
	OpcodeDispatch            GatewayOpcode = 0
	OpcodeHeartbeat           GatewayOpcode = 1
	OpcodeIdentify            GatewayOpcode = 2
	OpcodePresenceUpdate      GatewayOpcode = 3
	OpcodeVoiceStateUpdate    GatewayOpcode = 4
	OpcodeResume              GatewayOpcode = 6
	OpcodeReconnect           GatewayOpcode = 7
	OpcodeRequestGuildMembers GatewayOpcode = 8
	OpcodeInvalidSession      GatewayOpcode = 9
	OpcodeHello               GatewayOpcode = 10
	OpcodeHeartbeatAck        GatewayOpcode = 11
)

type GatewayCloseEventCode = int

// https://discord.com/developers/docs/events/gateway#disconnections
const (
	CloseUnknownError         GatewayCloseEventCode = 4000
	CloseUnknownOpcode        GatewayCloseEventCode = 4001
	CloseDecodeError          GatewayCloseEventCode = 4002
	CloseNotAuthenticated     GatewayCloseEventCode = 4003
	CloseAuthenticationFailed GatewayCloseEventCode = 4004
	CloseAlreadyAuthenticated GatewayCloseEventCode = 4005
	CloseInvalidSeq           GatewayCloseEventCode = 4007
	CloseRateLimited          GatewayCloseEventCode = 4008
	CloseSessionTimedOut      GatewayCloseEventCode = 4009
	CloseInvalidShard         GatewayCloseEventCode = 4010
	CloseShardingRequired     GatewayCloseEventCode = 4011
	CloseInvalidAPIVersion    GatewayCloseEventCode = 4012
	CloseInvalidIntents       GatewayCloseEventCode = 4013
	CloseDisallowedIntents    GatewayCloseEventCode = 4014
)

var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrDisallowedIntents    = errors.New("disallowed intent. you may have tried to specify an intent that you have not enabled")
	ErrInvalidShard         = errors.New("invalid shard")
	ErrShardingRequired     = errors.New("sharding required")
	ErrInvalidAPIVersion    = errors.New("invalid api version")
	ErrInvalidIntents       = errors.New("invalid intents")
	ErrSessionClosed        = errors.New("session is closed")
	ErrDecode               = errors.New("invalid payload")
)

// DefaultNonResumableCloseCodes are the close codes on which a session gives
// up instead of resuming. Overridable per session via
// Arguments.NonResumableCloseCodes.
var DefaultNonResumableCloseCodes = []GatewayCloseEventCode{
	CloseAuthenticationFailed,
	CloseInvalidShard,
	CloseShardingRequired,
	CloseInvalidAPIVersion,
	CloseInvalidIntents,
	CloseDisallowedIntents,
}

// CloseError is returned from Session.Next when the connection terminated in
// a way the session will not recover from on its own.
type CloseError struct {
	Code   GatewayCloseEventCode
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("gateway closed with code %d", e.Code)
	}
	return fmt.Sprintf("gateway closed with code %d: %s", e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error {
	switch e.Code {
	case CloseAuthenticationFailed:
		return ErrAuthenticationFailed
	case CloseInvalidShard:
		return ErrInvalidShard
	case CloseShardingRequired:
		return ErrShardingRequired
	case CloseInvalidAPIVersion:
		return ErrInvalidAPIVersion
	case CloseInvalidIntents:
		return ErrInvalidIntents
	case CloseDisallowedIntents:
		return ErrDisallowedIntents
	}
	return nil
}
