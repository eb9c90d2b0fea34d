package sky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/skyflock/skyflock/internal/errors"
)

// PostRef addresses a record on the network.
type PostRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// Agent performs network operations with a freshly decrypted session. The
// authorization gate's responsibility ends at handing a SessionData to one
// of these methods.
type Agent interface {
	Login(ctx context.Context, identifier, password string) (*SessionData, error)
	CreatePost(ctx context.Context, sess *SessionData, text string) (*PostRef, error)
	Like(ctx context.Context, sess *SessionData, subject PostRef) error
	Unlike(ctx context.Context, sess *SessionData, subjectURI string) error
	Repost(ctx context.Context, sess *SessionData, subject PostRef) error
	Unrepost(ctx context.Context, sess *SessionData, subjectURI string) error
	Follow(ctx context.Context, sess *SessionData, subjectDID string) error
	Unfollow(ctx context.Context, sess *SessionData, subjectDID string) error
	Mute(ctx context.Context, sess *SessionData, subjectDID string) error
	Unmute(ctx context.Context, sess *SessionData, subjectDID string) error
	GetPost(ctx context.Context, sess *SessionData, repo, rkey string) (*PostRef, error)
	ResolveHandle(ctx context.Context, handle string) (string, error)
	ResolveDID(ctx context.Context, did string) (string, error)
	SignOut(ctx context.Context, sess *SessionData) error
}

// HTTPAgent is a thin XRPC client against a PDS endpoint.
type HTTPAgent struct {
	serviceURL string
	client     *http.Client
}

func NewHTTPAgent(serviceURL string) *HTTPAgent {
	return &HTTPAgent{
		serviceURL: serviceURL,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

var _ Agent = (*HTTPAgent)(nil)

func (a *HTTPAgent) call(ctx context.Context, method, nsid string, sess *SessionData, params url.Values, body, out any) error {
	endpoint := fmt.Sprintf("%s/xrpc/%s", a.serviceURL, nsid)
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sess != nil {
		req.Header.Set("Authorization", "Bearer "+sess.AccessToken)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return apperrors.External(nsid, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperrors.External(nsid, fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperrors.External(nsid, err)
		}
	}
	return nil
}

type createRecordInput struct {
	Repo       string `json:"repo"`
	Collection string `json:"collection"`
	Record     any    `json:"record"`
}

type subjectRecord struct {
	Type      string  `json:"$type"`
	Subject   any     `json:"subject"`
	CreatedAt string  `json:"createdAt"`
	Text      *string `json:"text,omitempty"`
}

func (a *HTTPAgent) createRecord(ctx context.Context, sess *SessionData, collection string, record any) (*PostRef, error) {
	var ref PostRef
	err := a.call(ctx, http.MethodPost, "com.atproto.repo.createRecord", sess, nil, createRecordInput{
		Repo:       sess.DID,
		Collection: collection,
		Record:     record,
	}, &ref)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

func (a *HTTPAgent) deleteRecord(ctx context.Context, sess *SessionData, collection, rkey string) error {
	return a.call(ctx, http.MethodPost, "com.atproto.repo.deleteRecord", sess, nil, map[string]string{
		"repo":       sess.DID,
		"collection": collection,
		"rkey":       rkey,
	}, nil)
}

// findSubjectRkey scans the actor's own records in a collection for the one
// whose subject matches uri. Good enough for like/repost undo at bot scale.
func (a *HTTPAgent) findSubjectRkey(ctx context.Context, sess *SessionData, collection, subjectURI string) (string, error) {
	params := url.Values{}
	params.Set("repo", sess.DID)
	params.Set("collection", collection)
	params.Set("limit", "100")

	var out struct {
		Records []struct {
			URI   string `json:"uri"`
			Value struct {
				Subject struct {
					URI string `json:"uri"`
				} `json:"subject"`
			} `json:"value"`
		} `json:"records"`
	}
	if err := a.call(ctx, http.MethodGet, "com.atproto.repo.listRecords", sess, params, nil, &out); err != nil {
		return "", err
	}

	for _, rec := range out.Records {
		if rec.Value.Subject.URI == subjectURI {
			return rkeyFromURI(rec.URI), nil
		}
	}
	return "", apperrors.NotFound("Record")
}

func rkeyFromURI(uri string) string {
	for i := len(uri) - 1; i >= 0; i-- {
		if uri[i] == '/' {
			return uri[i+1:]
		}
	}
	return uri
}

// Login exchanges an identifier and app password for a fresh session.
func (a *HTTPAgent) Login(ctx context.Context, identifier, password string) (*SessionData, error) {
	var out struct {
		DID        string `json:"did"`
		Handle     string `json:"handle"`
		AccessJwt  string `json:"accessJwt"`
		RefreshJwt string `json:"refreshJwt"`
	}
	err := a.call(ctx, http.MethodPost, "com.atproto.server.createSession", nil, nil, map[string]string{
		"identifier": identifier,
		"password":   password,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &SessionData{
		DID:          out.DID,
		Handle:       out.Handle,
		Issuer:       a.serviceURL,
		AccessToken:  out.AccessJwt,
		RefreshToken: out.RefreshJwt,
	}, nil
}

func (a *HTTPAgent) CreatePost(ctx context.Context, sess *SessionData, text string) (*PostRef, error) {
	return a.createRecord(ctx, sess, "app.bsky.feed.post", map[string]any{
		"$type":     "app.bsky.feed.post",
		"text":      text,
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *HTTPAgent) Like(ctx context.Context, sess *SessionData, subject PostRef) error {
	_, err := a.createRecord(ctx, sess, "app.bsky.feed.like", subjectRecord{
		Type:      "app.bsky.feed.like",
		Subject:   subject,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	return err
}

func (a *HTTPAgent) Unlike(ctx context.Context, sess *SessionData, subjectURI string) error {
	rkey, err := a.findSubjectRkey(ctx, sess, "app.bsky.feed.like", subjectURI)
	if err != nil {
		return err
	}
	return a.deleteRecord(ctx, sess, "app.bsky.feed.like", rkey)
}

func (a *HTTPAgent) Repost(ctx context.Context, sess *SessionData, subject PostRef) error {
	_, err := a.createRecord(ctx, sess, "app.bsky.feed.repost", subjectRecord{
		Type:      "app.bsky.feed.repost",
		Subject:   subject,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	return err
}

func (a *HTTPAgent) Unrepost(ctx context.Context, sess *SessionData, subjectURI string) error {
	rkey, err := a.findSubjectRkey(ctx, sess, "app.bsky.feed.repost", subjectURI)
	if err != nil {
		return err
	}
	return a.deleteRecord(ctx, sess, "app.bsky.feed.repost", rkey)
}

func (a *HTTPAgent) Follow(ctx context.Context, sess *SessionData, subjectDID string) error {
	_, err := a.createRecord(ctx, sess, "app.bsky.graph.follow", map[string]any{
		"$type":     "app.bsky.graph.follow",
		"subject":   subjectDID,
		"createdAt": time.Now().UTC().Format(time.RFC3339),
	})
	return err
}

func (a *HTTPAgent) Unfollow(ctx context.Context, sess *SessionData, subjectDID string) error {
	params := url.Values{}
	params.Set("repo", sess.DID)
	params.Set("collection", "app.bsky.graph.follow")
	params.Set("limit", "100")

	var out struct {
		Records []struct {
			URI   string `json:"uri"`
			Value struct {
				Subject string `json:"subject"`
			} `json:"value"`
		} `json:"records"`
	}
	if err := a.call(ctx, http.MethodGet, "com.atproto.repo.listRecords", sess, params, nil, &out); err != nil {
		return err
	}
	for _, rec := range out.Records {
		if rec.Value.Subject == subjectDID {
			return a.deleteRecord(ctx, sess, "app.bsky.graph.follow", rkeyFromURI(rec.URI))
		}
	}
	return apperrors.NotFound("Follow")
}

func (a *HTTPAgent) Mute(ctx context.Context, sess *SessionData, subjectDID string) error {
	return a.call(ctx, http.MethodPost, "app.bsky.graph.muteActor", sess, nil, map[string]string{"actor": subjectDID}, nil)
}

func (a *HTTPAgent) Unmute(ctx context.Context, sess *SessionData, subjectDID string) error {
	return a.call(ctx, http.MethodPost, "app.bsky.graph.unmuteActor", sess, nil, map[string]string{"actor": subjectDID}, nil)
}

func (a *HTTPAgent) GetPost(ctx context.Context, sess *SessionData, repo, rkey string) (*PostRef, error) {
	params := url.Values{}
	params.Set("repo", repo)
	params.Set("collection", "app.bsky.feed.post")
	params.Set("rkey", rkey)

	var out PostRef
	if err := a.call(ctx, http.MethodGet, "com.atproto.repo.getRecord", sess, params, nil, &out); err != nil {
		return nil, err
	}
	if out.CID == "" {
		return nil, apperrors.NotFound("Post")
	}
	return &out, nil
}

func (a *HTTPAgent) ResolveHandle(ctx context.Context, handle string) (string, error) {
	params := url.Values{}
	params.Set("handle", handle)

	var out struct {
		DID string `json:"did"`
	}
	if err := a.call(ctx, http.MethodGet, "com.atproto.identity.resolveHandle", nil, params, nil, &out); err != nil {
		return "", err
	}
	return out.DID, nil
}

func (a *HTTPAgent) ResolveDID(ctx context.Context, did string) (string, error) {
	params := url.Values{}
	params.Set("actor", did)

	var out struct {
		Handle string `json:"handle"`
	}
	if err := a.call(ctx, http.MethodGet, "app.bsky.actor.getProfile", nil, params, nil, &out); err != nil {
		return "", err
	}
	if out.Handle == "" {
		return "unknown.invalid", nil
	}
	return out.Handle, nil
}

func (a *HTTPAgent) SignOut(ctx context.Context, sess *SessionData) error {
	return a.call(ctx, http.MethodPost, "com.atproto.server.deleteSession", &SessionData{AccessToken: sess.RefreshToken}, nil, nil, nil)
}
