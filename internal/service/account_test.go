package service

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyflock/skyflock/internal/database"
	apperrors "github.com/skyflock/skyflock/internal/errors"
	"github.com/skyflock/skyflock/internal/gate"
	"github.com/skyflock/skyflock/internal/keyring"
	"github.com/skyflock/skyflock/internal/mfa"
	"github.com/skyflock/skyflock/internal/model"
	"github.com/skyflock/skyflock/internal/repository"
	"github.com/skyflock/skyflock/internal/sky"
	"github.com/skyflock/skyflock/internal/vault"
)

// fakeTxRunner runs the closure directly; the in-memory repository ignores
// the nil transaction.
type fakeTxRunner struct{}

func (fakeTxRunner) WithTx(ctx context.Context, fn database.TxFunc) error {
	return fn((*sqlx.Tx)(nil))
}

type fakeAgent struct {
	sky.Agent

	sessions   map[string]*sky.SessionData
	signedOut  []string
	loginCalls int
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{sessions: map[string]*sky.SessionData{}}
}

func (a *fakeAgent) Login(ctx context.Context, identifier, password string) (*sky.SessionData, error) {
	a.loginCalls++
	if password != "app-password" {
		return nil, apperrors.External("createSession", assert.AnError)
	}
	sess, ok := a.sessions[identifier]
	if !ok {
		return nil, apperrors.External("createSession", assert.AnError)
	}
	return sess, nil
}

func (a *fakeAgent) ResolveDID(ctx context.Context, did string) (string, error) {
	for _, sess := range a.sessions {
		if sess.DID == did {
			return sess.Handle, nil
		}
	}
	return "", assert.AnError
}

func (a *fakeAgent) SignOut(ctx context.Context, sess *sky.SessionData) error {
	a.signedOut = append(a.signedOut, sess.DID)
	return nil
}

type accountFixture struct {
	svc      *AccountService
	gate     *gate.Gate
	agent    *fakeAgent
	sessions repository.SessionRepository
}

func newAccountFixture(t *testing.T) *accountFixture {
	t.Helper()
	sessions := repository.NewMemorySessionRepository()
	v := vault.New(keyring.New(map[int]string{1: "system-secret-1"}), sessions)
	guard := mfa.NewGuard(v, sessions)
	agent := newFakeAgent()
	agent.sessions["alice.bsky.social"] = &sky.SessionData{
		DID:         "did:plc:alice",
		Handle:      "alice.bsky.social",
		Issuer:      "https://bsky.social",
		AccessToken: "aj-alice",
	}
	agent.sessions["bob.bsky.social"] = &sky.SessionData{
		DID:         "did:plc:bob",
		Handle:      "bob.bsky.social",
		Issuer:      "https://bsky.social",
		AccessToken: "aj-bob",
	}
	return &accountFixture{
		svc:      NewAccountService(fakeTxRunner{}, sessions, v, agent),
		gate:     gate.New(sessions, v, guard, gate.NewMemoryChallengeStore()),
		agent:    agent,
		sessions: sessions,
	}
}

func TestAccountServiceLink(t *testing.T) {
	ctx := context.Background()

	t.Run("should link under system custody and make the first account default", func(t *testing.T) {
		f := newAccountFixture(t)

		rec, err := f.svc.Link(ctx, "guild-1", "alice.bsky.social", "app-password", model.PolicySystem, "")
		require.NoError(t, err)
		assert.Equal(t, "did:plc:alice", rec.ActorDID)
		assert.NotNil(t, rec.KeyID)
		assert.True(t, rec.IsDefault)
	})

	t.Run("should not steal the default from an earlier account", func(t *testing.T) {
		f := newAccountFixture(t)
		_, err := f.svc.Link(ctx, "guild-1", "alice.bsky.social", "app-password", model.PolicySystem, "")
		require.NoError(t, err)

		rec, err := f.svc.Link(ctx, "guild-1", "bob.bsky.social", "app-password", model.PolicySystem, "")
		require.NoError(t, err)
		assert.False(t, rec.IsDefault)

		def, err := f.sessions.FindDefault(ctx, "guild-1")
		require.NoError(t, err)
		assert.Equal(t, "did:plc:alice", def.ActorDID)
	})

	t.Run("should require a key for group custody", func(t *testing.T) {
		f := newAccountFixture(t)

		_, err := f.svc.Link(ctx, "guild-1", "alice.bsky.social", "app-password", model.PolicyGroup, "")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMissingRequired))

		rec, err := f.svc.Link(ctx, "guild-1", "alice.bsky.social", "app-password", model.PolicyGroup, "group-pass")
		require.NoError(t, err)
		assert.Nil(t, rec.KeyID)
	})

	t.Run("should surface a failed login", func(t *testing.T) {
		f := newAccountFixture(t)

		_, err := f.svc.Link(ctx, "guild-1", "alice.bsky.social", "wrong-password", model.PolicySystem, "")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeExternal))
	})

	t.Run("should reject an unknown policy", func(t *testing.T) {
		f := newAccountFixture(t)

		_, err := f.svc.Link(ctx, "guild-1", "alice.bsky.social", "app-password", model.Policy("personal"), "")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
	})
}

func TestAccountServiceList(t *testing.T) {
	ctx := context.Background()

	t.Run("should list accounts with handles and custody", func(t *testing.T) {
		f := newAccountFixture(t)
		_, err := f.svc.Link(ctx, "guild-1", "alice.bsky.social", "app-password", model.PolicySystem, "")
		require.NoError(t, err)
		_, err = f.svc.Link(ctx, "guild-1", "bob.bsky.social", "app-password", model.PolicyGroup, "group-pass")
		require.NoError(t, err)

		infos, err := f.svc.List(ctx, "guild-1")
		require.NoError(t, err)
		require.Len(t, infos, 2)

		byDID := map[string]AccountInfo{}
		for _, info := range infos {
			byDID[info.ActorDID] = info
		}
		assert.Equal(t, "alice.bsky.social", byDID["did:plc:alice"].Handle)
		assert.Equal(t, "system", byDID["did:plc:alice"].Policy)
		assert.True(t, byDID["did:plc:alice"].IsDefault)
		assert.Equal(t, "group", byDID["did:plc:bob"].Policy)
		assert.False(t, byDID["did:plc:bob"].IsDefault)
	})

	t.Run("should return empty for a guild with no accounts", func(t *testing.T) {
		f := newAccountFixture(t)

		infos, err := f.svc.List(ctx, "guild-1")
		require.NoError(t, err)
		assert.Empty(t, infos)
	})
}

func TestAccountServiceSetDefault(t *testing.T) {
	ctx := context.Background()

	t.Run("should move the default flag to exactly one record", func(t *testing.T) {
		f := newAccountFixture(t)
		_, err := f.svc.Link(ctx, "guild-1", "alice.bsky.social", "app-password", model.PolicySystem, "")
		require.NoError(t, err)
		_, err = f.svc.Link(ctx, "guild-1", "bob.bsky.social", "app-password", model.PolicySystem, "")
		require.NoError(t, err)

		require.NoError(t, f.svc.SetDefault(ctx, "guild-1", "did:plc:bob"))

		records, err := f.sessions.FindByGuild(ctx, "guild-1")
		require.NoError(t, err)
		defaults := 0
		for _, rec := range records {
			if rec.IsDefault {
				defaults++
				assert.Equal(t, "did:plc:bob", rec.ActorDID)
			}
		}
		assert.Equal(t, 1, defaults)
	})

	t.Run("should refuse an unknown account", func(t *testing.T) {
		f := newAccountFixture(t)
		_, err := f.svc.Link(ctx, "guild-1", "alice.bsky.social", "app-password", model.PolicySystem, "")
		require.NoError(t, err)

		err = f.svc.SetDefault(ctx, "guild-1", "did:plc:nobody")
		assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNoAccess))
	})
}

func TestAccountServiceSignOut(t *testing.T) {
	ctx := context.Background()

	t.Run("should revoke upstream, delete the record and promote a survivor", func(t *testing.T) {
		f := newAccountFixture(t)
		_, err := f.svc.Link(ctx, "guild-1", "alice.bsky.social", "app-password", model.PolicySystem, "")
		require.NoError(t, err)
		_, err = f.svc.Link(ctx, "guild-1", "bob.bsky.social", "app-password", model.PolicySystem, "")
		require.NoError(t, err)

		decision, err := f.gate.Begin(ctx, "guild-1", "did:plc:alice", model.ActionSignOut, nil)
		require.NoError(t, err)
		require.NotNil(t, decision.Grant)

		require.NoError(t, f.svc.SignOut(ctx, decision.Grant))
		assert.Contains(t, f.agent.signedOut, "did:plc:alice")

		gone, err := f.sessions.FindByGuildAndActor(ctx, "guild-1", "did:plc:alice")
		require.NoError(t, err)
		assert.Nil(t, gone)

		def, err := f.sessions.FindDefault(ctx, "guild-1")
		require.NoError(t, err)
		require.NotNil(t, def)
		assert.Equal(t, "did:plc:bob", def.ActorDID)
	})
}

func TestAccountServiceForget(t *testing.T) {
	ctx := context.Background()

	t.Run("should erase every record in the guild", func(t *testing.T) {
		f := newAccountFixture(t)
		_, err := f.svc.Link(ctx, "guild-1", "alice.bsky.social", "app-password", model.PolicySystem, "")
		require.NoError(t, err)
		_, err = f.svc.Link(ctx, "guild-1", "bob.bsky.social", "app-password", model.PolicySystem, "")
		require.NoError(t, err)

		rows, err := f.svc.Forget(ctx, "guild-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), rows)

		records, err := f.sessions.FindByGuild(ctx, "guild-1")
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}
