package audit

import (
	"context"

	"github.com/weiawesome/wes-io-live/watchparty-service/pkg/log"
)

// Audit actions for watchparty-service.
const (
	ActionConnect       = "watch.connect"
	ActionAuthFailed    = "watch.auth_failed"
	ActionJoinRoom      = "watch.join_room"
	ActionJoinDenied    = "watch.join_denied"
	ActionLeaveRoom     = "watch.leave_room"
	ActionChangeVideo   = "watch.change_video"
	ActionVoiceJoin     = "watch.voice_join"
	ActionVoiceRejected = "watch.voice_rejected"
	ActionVoiceLeave    = "watch.voice_leave"
	ActionDisconnect    = "watch.disconnect"
	ActionReadDenied    = "watch.read_denied"
)

// Field constants for audit entries.
const (
	FieldAction   = "action"
	FieldTargetID = "target_id"
	FieldDetail   = "detail"
)

// Log emits a structured audit log entry via the context logger.
func Log(ctx context.Context, action, userID, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Msg(msg)
}

// LogRoom emits an audit entry about a room.
func LogRoom(ctx context.Context, action, userID, roomID, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Str(FieldTargetID, roomID).
		Msg(msg)
}

// LogWithDetail emits an audit log with extra detail field.
func LogWithDetail(ctx context.Context, action, userID, roomID, detail, msg string) {
	l := log.Ctx(ctx)
	l.Info().
		Str(log.FieldLogType, log.LogTypeAudit).
		Str(FieldAction, action).
		Str(log.FieldUserID, userID).
		Str(FieldTargetID, roomID).
		Str(FieldDetail, detail).
		Msg(msg)
}
