package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"instancewatch.app/internal/session"
)

// ErrNotFound marks a definitive directory miss (no retry, no failure count).
var ErrNotFound = errors.New("directory: not found")

type ClientConfig struct {
	BaseURL   string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
	Logger    *log.Logger
}

// Client talks to the remote directory API. Transient failures are retried
// three times with exponential backoff; definitive misses come back as
// ErrNotFound.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client

	fetchFailures atomic.Uint64
}

// WorldInfo is the directory's world metadata record.
type WorldInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ImageURL string `json:"image_url,omitempty"`
}

// UserRecord is the directory's view of one user, including rank and
// membership relative to the group the lookup was scoped to.
type UserRecord struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name"`
	Rank          string `json:"rank,omitempty"`
	IsGroupMember bool   `json:"is_group_member,omitempty"`
	AvatarURL     string `json:"avatar_url,omitempty"`
}

func NewClient(cfg ClientConfig) (*Client, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("empty directory base url")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "instancewatch/1.0"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// FetchFailures counts calls that exhausted their retries.
func (c *Client) FetchFailures() uint64 { return c.fetchFailures.Load() }

// GroupInstances lists the group's currently live instances.
func (c *Client) GroupInstances(ctx context.Context, groupID string) ([]session.GroupInstanceRecord, error) {
	if groupID == "" {
		return nil, nil
	}
	var resp struct {
		Instances []struct {
			Location    string `json:"location"`
			WorldID     string `json:"world_id"`
			InstanceID  string `json:"instance_id"`
			OwnerID     string `json:"owner_id"`
			GroupName   string `json:"group_name"`
			WorldName   string `json:"world_name"`
			MemberCount int    `json:"member_count"`
		} `json:"instances"`
	}
	path := "/groups/" + url.PathEscape(groupID) + "/instances"
	if err := c.getJSON(ctx, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]session.GroupInstanceRecord, 0, len(resp.Instances))
	for _, in := range resp.Instances {
		out = append(out, session.GroupInstanceRecord{
			Location:   in.Location,
			WorldID:    in.WorldID,
			InstanceID: in.InstanceID,
			OwnerID:    in.OwnerID,
			GroupName:  in.GroupName,
			WorldName:  in.WorldName,
			Count:      in.MemberCount,
		})
	}
	return out, nil
}

// World fetches world metadata by id.
func (c *Client) World(ctx context.Context, worldID string) (WorldInfo, error) {
	var info WorldInfo
	if worldID == "" {
		return info, ErrNotFound
	}
	err := c.getJSON(ctx, "/worlds/"+url.PathEscape(worldID), nil, &info)
	return info, err
}

// ResolveUser looks a user up by exact display name, scoped to groupID for
// rank/membership fields (groupID may be empty).
func (c *Client) ResolveUser(ctx context.Context, displayName, groupID string) (UserRecord, error) {
	if displayName == "" {
		return UserRecord{}, ErrNotFound
	}
	q := url.Values{"name": {displayName}}
	if groupID != "" {
		q.Set("group", groupID)
	}
	var resp struct {
		Users []UserRecord `json:"users"`
	}
	if err := c.getJSON(ctx, "/users/search", q, &resp); err != nil {
		return UserRecord{}, err
	}
	for _, u := range resp.Users {
		if u.DisplayName == displayName {
			return u, nil
		}
	}
	return UserRecord{}, ErrNotFound
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(100*(1<<(attempt-1))) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("accept", "application/json")
		req.Header.Set("user-agent", c.cfg.UserAgent)
		if c.cfg.APIKey != "" {
			req.Header.Set("x-api-key", c.cfg.APIKey)
		}

		resp, err := c.httpClient.Do(req)
		if err == nil {
			if resp.StatusCode == http.StatusNotFound {
				_ = resp.Body.Close()
				return ErrNotFound
			}
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				err = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
				_ = resp.Body.Close()
				if err != nil {
					return fmt.Errorf("decode %s: %w", path, err)
				}
				return nil
			}
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		lastErr = err
	}

	c.fetchFailures.Add(1)
	c.printf("directory fetch failed path=%s err=%v", path, lastErr)
	return lastErr
}

func (c *Client) printf(format string, args ...any) {
	if c != nil && c.cfg.Logger != nil {
		c.cfg.Logger.Printf(format, args...)
	}
}
