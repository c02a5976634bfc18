package query

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-pairing/core"
	"github.com/goliatone/go-pairing/transport"
)

type SessionReader interface {
	Lookup(ctx context.Context, sessionID string) (core.SessionRecord, error)
}

// SessionStatus is the public view of a session. It never carries the
// credential id: a leaked pairing id must not lead to a credential.
type SessionStatus struct {
	SessionID        string     `json:"sessionId"`
	Status           string     `json:"status"`
	Terminal         bool       `json:"terminal"`
	Trigger          string     `json:"trigger,omitempty"`
	MaskedIdentity   string     `json:"maskedIdentity,omitempty"`
	CredentialIssued bool       `json:"credentialIssued"`
	ErrorCode        string     `json:"errorCode,omitempty"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	StartedAt        time.Time  `json:"startedAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
}

func NewSessionStatus(record core.SessionRecord) SessionStatus {
	return SessionStatus{
		SessionID:        record.SessionID,
		Status:           string(record.Status),
		Terminal:         record.Status.Terminal(),
		Trigger:          string(record.Trigger),
		MaskedIdentity:   record.MaskedIdentity,
		CredentialIssued: strings.TrimSpace(record.CredentialID) != "",
		ErrorCode:        record.ErrorCode,
		ErrorMessage:     record.ErrorMessage,
		StartedAt:        record.StartedAt,
		UpdatedAt:        record.UpdatedAt,
		FinishedAt:       record.FinishedAt,
	}
}

type GetSessionQuery struct {
	reader SessionReader
}

func NewGetSessionQuery(reader SessionReader) *GetSessionQuery {
	return &GetSessionQuery{reader: reader}
}

func (q *GetSessionQuery) Query(ctx context.Context, msg GetSessionMessage) (SessionStatus, error) {
	if q == nil || q.reader == nil {
		return SessionStatus{}, queryDependencyError("query: session reader is required")
	}
	if err := msg.Validate(); err != nil {
		return SessionStatus{}, err
	}
	record, err := q.reader.Lookup(ctx, strings.TrimSpace(msg.SessionID))
	if err != nil {
		return SessionStatus{}, err
	}
	return NewSessionStatus(record), nil
}

type DownloadCredentialQuery struct {
	downloader transport.Downloader
}

func NewDownloadCredentialQuery(downloader transport.Downloader) *DownloadCredentialQuery {
	return &DownloadCredentialQuery{downloader: downloader}
}

func (q *DownloadCredentialQuery) Query(ctx context.Context, msg DownloadCredentialMessage) (transport.Credential, error) {
	if q == nil || q.downloader == nil {
		return transport.Credential{}, queryDependencyError("query: credential downloader is required")
	}
	if err := msg.Validate(); err != nil {
		return transport.Credential{}, err
	}
	return q.downloader.Download(ctx, strings.TrimSpace(msg.CredentialID))
}
