package query

import (
	gocmd "github.com/goliatone/go-command"
	"github.com/goliatone/go-pairing/transport"
)

var (
	_ gocmd.Querier[GetSessionMessage, SessionStatus]                = (*GetSessionQuery)(nil)
	_ gocmd.Querier[DownloadCredentialMessage, transport.Credential] = (*DownloadCredentialQuery)(nil)
)
