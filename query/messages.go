package query

import (
	"strings"
)

const (
	TypeGetSession         = "pairing.query.session.get"
	TypeDownloadCredential = "pairing.query.credential.download"
)

type GetSessionMessage struct {
	SessionID string
}

func (GetSessionMessage) Type() string { return TypeGetSession }

func (m GetSessionMessage) Validate() error {
	if strings.TrimSpace(m.SessionID) == "" {
		return queryValidationError("session_id", "is required")
	}
	return nil
}

type DownloadCredentialMessage struct {
	CredentialID string
}

func (DownloadCredentialMessage) Type() string { return TypeDownloadCredential }

func (m DownloadCredentialMessage) Validate() error {
	if strings.TrimSpace(m.CredentialID) == "" {
		return queryValidationError("credential_id", "is required")
	}
	return nil
}
