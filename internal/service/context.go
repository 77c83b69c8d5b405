package service

import "context"

type contextKey string

const senderKey contextKey = "sender"

// SenderInfo is the authenticated sender identity carried on a request.
type SenderInfo struct {
	SenderID string
	Email    string
	Name     string
}

func WithSender(ctx context.Context, s *SenderInfo) context.Context {
	return context.WithValue(ctx, senderKey, s)
}

func GetSenderInfo(ctx context.Context) *SenderInfo {
	val, ok := ctx.Value(senderKey).(*SenderInfo)
	if !ok {
		return nil
	}
	return val
}
