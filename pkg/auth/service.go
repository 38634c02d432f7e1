// SPDX-FileCopyrightText: Copyright 2026 mcpgate authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"

	"github.com/mcpgate/mcpgate/pkg/audit"
	"github.com/mcpgate/mcpgate/pkg/auth/roles"
	"github.com/mcpgate/mcpgate/pkg/auth/session"
	"github.com/mcpgate/mcpgate/pkg/auth/token"
	"github.com/mcpgate/mcpgate/pkg/auth/tokenexchange"
	"github.com/mcpgate/mcpgate/pkg/errors"
	"github.com/mcpgate/mcpgate/pkg/logger"
	"github.com/mcpgate/mcpgate/pkg/telemetry"
)

// Result is the outcome of an authentication. Policy failures (an
// unassigned role) are expressed through Rejected, not through an error;
// errors are reserved for cryptographic, protocol and exchange failures.
type Result struct {
	Session         *session.UserSession
	Rejected        bool
	RejectionReason string
}

// Service runs the authentication pipeline. Exchange may be nil when no
// IDP configures token exchange.
type Service struct {
	validator *token.Validator
	mapper    *roles.Mapper
	sessions  *session.Manager
	exchange  *tokenexchange.Service
	sink      audit.Sink
	metrics   *telemetry.Provider
}

// NewService wires the pipeline components together.
func NewService(
	validator *token.Validator,
	mapper *roles.Mapper,
	sessions *session.Manager,
	exchange *tokenexchange.Service,
	sink audit.Sink,
) *Service {
	if sink == nil {
		sink = audit.NopSink{}
	}
	return &Service{
		validator: validator,
		mapper:    mapper,
		sessions:  sessions,
		exchange:  exchange,
		sink:      sink,
	}
}

// SetMetrics attaches the telemetry provider counting authentication
// outcomes. A nil provider disables instrumentation.
func (s *Service) SetMetrics(p *telemetry.Provider) {
	s.metrics = p
}

// Authenticate validates the bearer token and builds a session.
// transportSessionID is the MCP transport's session id; it scopes the
// delegation token cache and may be empty on a session's first request.
//
// Role mapping never fails: an unmappable role set yields a rejected
// session, reported through Result, not an error.
func (s *Service) Authenticate(ctx context.Context, bearerToken, transportSessionID string) (*Result, error) {
	validated, err := s.validator.Validate(ctx, bearerToken)
	if err != nil {
		s.metrics.RecordAuth("failure")
		s.sink.Record(ctx, audit.NewEntry(audit.SourceAuthService, audit.ActionAuthentication, false).
			WithReason("token validation failed").
			WithError(err))
		return nil, err
	}

	mapped := validated.Mapped
	roleResult := s.mapper.Map(mapped.Roles, validated.IDP.RoleMappings)
	if roleResult.MappingFailed {
		logger.Warnw("role mapping degraded to unassigned",
			"user_id", mapped.UserID, "reason", roleResult.FailureReason)
	}

	// Token exchange runs before session creation so a session never
	// exists without the delegation token that ratifies its authority.
	var (
		teToken  string
		teClaims map[string]any
	)
	if validated.IDP.TokenExchange != nil && s.exchange != nil {
		teToken, err = s.exchange.Exchange(ctx, tokenexchange.Request{
			SessionID:    transportSessionID,
			SubjectToken: bearerToken,
			IDP:          validated.IDP,
		})
		if err != nil {
			s.metrics.RecordAuth("failure")
			s.sink.Record(ctx, audit.NewEntry(audit.SourceAuthService, audit.ActionAuthentication, false).
				WithUser(mapped.UserID).
				WithReason("token exchange failed").
				WithError(err))
			return nil, err
		}

		if teClaims, err = tokenexchange.DecodeClaims(teToken); err == nil {
			// Authority for downstream calls comes from the exchanged
			// token: when it carries roles, they replace the
			// requestor's.
			teMapped := token.MapPayloadClaims(teClaims, validated.IDP.ClaimMappings)
			if len(teMapped.Roles) > 0 {
				roleResult = s.mapper.Map(teMapped.Roles, validated.IDP.RoleMappings)
			}
		} else {
			teClaims = nil
		}
	}

	userSession := s.sessions.Create(session.CreateInput{
		JWTPayload:       map[string]any(validated.Payload),
		RoleResult:       roleResult,
		UserID:           mapped.UserID,
		Username:         mapped.Username,
		LegacyUsername:   mapped.LegacyUsername,
		Scopes:           mapped.Scopes,
		RequestorToken:   bearerToken,
		DelegationToken:  teToken,
		DelegationClaims: teClaims,
	})

	result := &Result{
		Session:  userSession,
		Rejected: userSession.Rejected,
	}
	if result.Rejected {
		result.RejectionReason = "user has no valid roles assigned (unassigned role)"
	}

	entry := audit.NewEntry(audit.SourceAuthService, audit.ActionAuthentication, !result.Rejected).
		WithUser(userSession.UserID).
		WithMetadata(map[string]any{
			"role":     userSession.Role,
			"idp":      validated.IDP.Name,
			"exchange": teToken != "",
		})
	if result.Rejected {
		entry = entry.WithReason(result.RejectionReason)
		s.metrics.RecordAuth("rejected")
	} else {
		s.metrics.RecordAuth("success")
	}
	s.sink.Record(ctx, entry)

	return result, nil
}

// RejectionError converts a rejected result into the taxonomy error the
// HTTP boundary renders as 403.
func (r *Result) RejectionError() error {
	if r == nil || !r.Rejected {
		return nil
	}
	return errors.Newf(errors.KindUnassignedRole, "%s", r.RejectionReason)
}
