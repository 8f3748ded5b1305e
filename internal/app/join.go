package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/parlorchat/parlor/internal/domain"
)

// RefreshTokenLifetime bounds the opaque refresh token, well beyond
// the access credential's.
const RefreshTokenLifetime = 30 * 24 * time.Hour

// Directory is the durable-store surface admission depends on.
// Implemented by the sqlite store; tests use an in-memory fake.
type Directory interface {
	MemberByExternal(ctx context.Context, ext domain.ExternalID) (domain.Member, bool, error)
	UpsertMember(ctx context.Context, m domain.Member) (domain.Member, bool, error)
	IsBanned(ctx context.Context, ext domain.ExternalID) (bool, error)
	ConsumeInvite(ctx context.Context, code string) error
	OwnerExternalID(ctx context.Context) (domain.ExternalID, error)
	ClaimOwnership(ctx context.Context, ext domain.ExternalID) (bool, error)
	TokenVersion(ctx context.Context) (int64, error)
	CreateRefreshToken(ctx context.Context, t domain.RefreshToken) error
	RefreshTokenByID(ctx context.Context, id string) (domain.RefreshToken, bool, error)
	RevokeRefreshTokens(ctx context.Context, ext domain.ExternalID) error
}

// Admission is the outcome of a completed verify step.
type Admission struct {
	Member        domain.Member
	Credential    string
	RefreshToken  string
	IsOwner       bool
	SetupRequired bool
	FirstJoin     bool
}

// JoinProtocol runs the two-step challenge-response admission. Every
// step re-fetches authoritative state after suspension points (store
// calls) rather than trusting values read before them.
type JoinProtocol struct {
	ServerHost string

	Challenges *ChallengeStore
	Gate       *AuthGate
	Directory  Directory
	Registry   *SessionRegistry
	Broadcast  *BroadcastCoordinator

	// Two-tier invite cooldowns: per (ip, subject) and per ip with a
	// higher retry ceiling.
	SubjectCooldown *CooldownTracker
	IPCooldown      *CooldownTracker

	// OnFirstJoin posts the system "user joined" notice. Optional.
	OnFirstJoin func(m domain.Member)
}

// Begin handles the join request: issue a challenge bound to the
// declared admission parameters. No identity check happens here.
func (p *JoinProtocol) Begin(cid domain.ConnectionID, nickname, inviteCode string) (Challenge, error) {
	if err := domain.ValidNickname(nickname); err != nil {
		return Challenge{}, domain.NewSignalError(domain.CodeBadPayload, err.Error())
	}
	ch, err := p.Challenges.Issue(cid, p.ServerHost, nickname, inviteCode)
	if err != nil {
		return Challenge{}, fmt.Errorf("issue challenge: %w", err)
	}
	log.Info().Str("module", "app.join").Str("cid", string(cid)).Str("nickname", nickname).Msg("challenge issued")
	return ch, nil
}

func cooldownKeys(ip string, subject domain.ExternalID) (subjKey, ipKey string) {
	return ip + "|" + string(subject), ip
}

// Complete handles the verify step. Checks run in order and fail
// closed at the first failure.
func (p *JoinProtocol) Complete(ctx context.Context, cid domain.ConnectionID, ip, certificate, assertion string) (Admission, error) {
	ch, ok := p.Challenges.Consume(cid)
	if !ok {
		return Admission{}, domain.NewSignalError(domain.CodeChallengeExpired, "no valid challenge for this connection")
	}

	cert, err := p.Gate.VerifyCertificate(certificate)
	if err != nil {
		return Admission{}, err
	}
	if err := p.Gate.VerifyAssertion(assertion, cert, ch.ServerHost, ch.Nonce); err != nil {
		return Admission{}, err
	}

	banned, err := p.Directory.IsBanned(ctx, cert.Subject)
	if err != nil {
		return Admission{}, fmt.Errorf("ban check: %w", err)
	}
	if banned {
		return Admission{}, domain.NewSignalError(domain.CodeBanned, "this identity is banned")
	}

	_, exists, err := p.Directory.MemberByExternal(ctx, cert.Subject)
	if err != nil {
		return Admission{}, fmt.Errorf("member lookup: %w", err)
	}

	setupRequired := false
	if !exists {
		setupRequired, err = p.admitNewSubject(ctx, ip, cert.Subject, ch.InviteCode)
		if err != nil {
			return Admission{}, err
		}
	}

	// Re-check ownership after the claim attempt; another admission
	// may have interleaved during the store calls above.
	owner, err := p.Directory.OwnerExternalID(ctx)
	if err != nil {
		return Admission{}, fmt.Errorf("owner lookup: %w", err)
	}
	isOwner := owner != "" && owner == cert.Subject

	nickname := ch.Nickname
	if nickname == "" {
		nickname = cert.NicknameHint
	}
	role := domain.RoleMember
	if isOwner {
		role = domain.RoleOwner
	}
	// The upsert reports the insert authoritatively; the earlier
	// existence check may be stale if another admission of the same
	// subject interleaved.
	member, firstJoin, err := p.Directory.UpsertMember(ctx, domain.Member{
		ID:         domain.UserID(uuid.NewString()),
		ExternalID: cert.Subject,
		Nickname:   nickname,
		Role:       role,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		return Admission{}, fmt.Errorf("member upsert: %w", err)
	}
	if isOwner && member.Role != domain.RoleOwner {
		member.Role = domain.RoleOwner
	}

	version, err := p.Directory.TokenVersion(ctx)
	if err != nil {
		return Admission{}, fmt.Errorf("token version: %w", err)
	}
	credential, err := p.Gate.MintCredential(member, p.ServerHost, version)
	if err != nil {
		return Admission{}, fmt.Errorf("mint credential: %w", err)
	}
	refresh := domain.RefreshToken{
		ID:         uuid.NewString(),
		ExternalID: member.ExternalID,
		InternalID: member.ID,
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(RefreshTokenLifetime),
	}
	if err := p.Directory.CreateRefreshToken(ctx, refresh); err != nil {
		return Admission{}, fmt.Errorf("create refresh token: %w", err)
	}

	// The connection may have dropped during the store calls; a
	// failed promote means there is no session to admit.
	if !p.Registry.Promote(cid, member, credential) {
		return Admission{}, domain.NewSignalError(domain.CodeAuthRequired, "connection closed during admission")
	}

	p.Broadcast.SyncPresence()
	p.Broadcast.BroadcastMembers(ctx)
	if firstJoin && p.OnFirstJoin != nil {
		p.OnFirstJoin(member)
	}

	log.Info().Str("module", "app.join").
		Str("cid", string(cid)).
		Str("external_id", string(member.ExternalID)).
		Str("role", string(member.Role)).
		Bool("first_join", firstJoin).
		Msg("admission complete")

	return Admission{
		Member:        member,
		Credential:    credential,
		RefreshToken:  refresh.ID,
		IsOwner:       isOwner,
		SetupRequired: setupRequired,
		FirstJoin:     firstJoin,
	}, nil
}

// admitNewSubject runs the invite-or-bootstrap branch for subjects
// with no member record, guarded by the two-tier cooldown. Returns
// whether first-run setup is required (ownership was just claimed).
func (p *JoinProtocol) admitNewSubject(ctx context.Context, ip string, subject domain.ExternalID, inviteCode string) (bool, error) {
	subjKey, ipKey := cooldownKeys(ip, subject)

	wait := p.SubjectCooldown.Remaining(subjKey)
	if ipWait := p.IPCooldown.Remaining(ipKey); ipWait > wait {
		wait = ipWait
	}
	if wait > 0 {
		return false, domain.NewRetryableError(domain.CodeInviteCooldown, "too many failed invite attempts", wait)
	}

	if inviteCode != "" {
		if err := p.Directory.ConsumeInvite(ctx, inviteCode); err != nil {
			se := domain.AsSignalError(err)
			if se.Code != domain.CodeInvalidInvite {
				return false, err
			}
			lock := p.SubjectCooldown.Fail(subjKey)
			if ipLock := p.IPCooldown.Fail(ipKey); ipLock > lock {
				lock = ipLock
			}
			if lock > 0 {
				return false, domain.NewRetryableError(domain.CodeInviteCooldown, "too many failed invite attempts", lock)
			}
			return false, se
		}
		p.SubjectCooldown.Success(subjKey)
		p.IPCooldown.Success(ipKey)
		return false, nil
	}

	claimed, err := p.Directory.ClaimOwnership(ctx, subject)
	if err != nil {
		return false, fmt.Errorf("claim ownership: %w", err)
	}
	if !claimed {
		return false, domain.NewSignalError(domain.CodeInviteRequired, "an invite code is required to join this server")
	}
	p.SubjectCooldown.Success(subjKey)
	p.IPCooldown.Success(ipKey)
	log.Info().Str("module", "app.join").Str("external_id", string(subject)).Msg("server ownership claimed")
	return true, nil
}

// Refresh exchanges a live refresh token (or a still-valid access
// credential) for a fresh access credential at the current token
// version.
func (p *JoinProtocol) Refresh(ctx context.Context, cid domain.ConnectionID, refreshTokenID, accessCredential string) (string, error) {
	version, err := p.Directory.TokenVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("token version: %w", err)
	}

	var subject domain.ExternalID
	switch {
	case refreshTokenID != "":
		token, found, err := p.Directory.RefreshTokenByID(ctx, refreshTokenID)
		if err != nil {
			return "", fmt.Errorf("refresh lookup: %w", err)
		}
		if !found || token.Revoked || time.Now().After(token.ExpiresAt) {
			return "", domain.NewSignalError(domain.CodeTokenRevoked, "refresh token is no longer valid")
		}
		subject = token.ExternalID
	case accessCredential != "":
		claims, err := p.Gate.VerifyCredential(accessCredential, version)
		if err != nil {
			return "", err
		}
		subject = claims.ExternalID
	default:
		return "", domain.NewSignalError(domain.CodeBadPayload, "refresh token or access credential required")
	}

	banned, err := p.Directory.IsBanned(ctx, subject)
	if err != nil {
		return "", fmt.Errorf("ban check: %w", err)
	}
	if banned {
		return "", domain.NewSignalError(domain.CodeBanned, "this identity is banned")
	}

	member, found, err := p.Directory.MemberByExternal(ctx, subject)
	if err != nil {
		return "", fmt.Errorf("member lookup: %w", err)
	}
	if !found {
		return "", domain.NewSignalError(domain.CodeTokenRevoked, "membership no longer exists")
	}

	credential, err := p.Gate.MintCredential(member, p.ServerHost, version)
	if err != nil {
		return "", fmt.Errorf("mint credential: %w", err)
	}
	p.Registry.Mutate(cid, func(s *Session) { s.AccessCredential = credential })
	return credential, nil
}
