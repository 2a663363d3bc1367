// Package heartbeat periodically announces this server's fleet metadata
// to a backend directory, falling back to unannounced "direct mode" if
// every mirror rejects the report.
package heartbeat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultMirrors is the ordered list of directory mirrors tried on each
// report, stopping at the first success.
var DefaultMirrors = []string{
	"https://backend.beammp.com",
	"https://backup1.beammp.com",
	"https://backup2.beammp.com",
}

// successStatuses are the response {"status":...} values the directory
// returns on a successfully accepted report.
var successStatuses = map[string]bool{"2000": true, "200": true}

// FleetInfo is the metadata reported on every heartbeat.
type FleetInfo struct {
	UUID          string
	ServerName    string
	Map           string
	Private       bool
	MaxPlayers    int
	PlayerCount   int
	PlayersList   []string
	ModsTotal     int
	ModsTotalSize int64
	ModList       []string
	Tags          string
	Version       string

	Port           int
	ClientVersion  string
	Guests         int
	Description    string
}

// Reporter posts FleetInfo to DefaultMirrors on an interval, tracking
// whether the server is currently registered or has fallen back to
// direct mode.
type Reporter struct {
	Mirrors  []string
	Interval time.Duration
	HTTP     *http.Client
	Key      string

	Fetch func() FleetInfo

	directMode bool
}

// New builds a Reporter. fetch is called fresh on every tick to build the
// outgoing FleetInfo.
func New(key string, fetch func() FleetInfo) *Reporter {
	return &Reporter{
		Mirrors:  DefaultMirrors,
		Interval: 15 * time.Second,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
		Key:      key,
		Fetch:    fetch,
	}
}

// DirectMode reports whether the server has stopped announcing itself
// after every mirror rejected the last report.
func (r *Reporter) DirectMode() bool {
	return r.directMode
}

// Run posts a heartbeat every Interval until ctx is canceled. onResult, if
// non-nil, is called after every attempt with the outcome.
func (r *Reporter) Run(ctx context.Context, onResult func(registered bool, mirror string, err error)) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.directMode {
				continue
			}
			mirror, err := r.report(ctx)
			registered := err == nil
			r.directMode = !registered
			if onResult != nil {
				onResult(registered, mirror, err)
			}
		}
	}
}

// normalizeTags rewrites a tag list into the directory's expected
// semicolon-separated, semicolon-terminated form, accepting either
// comma- or ", "-separated input (matching the original's tag cleanup in
// the heartbeat sender).
func normalizeTags(tags string) string {
	tags = strings.ReplaceAll(tags, ", ", ";")
	tags = strings.ReplaceAll(tags, ",", ";")
	if tags == "" {
		return ""
	}
	if !strings.HasSuffix(tags, ";") {
		tags += ";"
	}
	return tags
}

func playersList(players []string) string {
	var b strings.Builder
	for _, p := range players {
		b.WriteString(p)
		b.WriteByte(';')
	}
	return b.String()
}

func modListField(mods []string) string {
	var b strings.Builder
	for _, m := range mods {
		b.WriteByte('/')
		b.WriteString(filepath.Base(m))
		b.WriteByte(';')
	}
	return b.String()
}

func (r *Reporter) report(ctx context.Context) (mirror string, err error) {
	info := r.Fetch()
	form := url.Values{
		"uuid":          {info.UUID},
		"name":          {info.ServerName},
		"map":           {info.Map},
		"desc":          {info.Description},
		"playerslist":   {playersList(info.PlayersList)},
		"players":       {strconv.Itoa(info.PlayerCount)},
		"maxplayers":    {strconv.Itoa(info.MaxPlayers)},
		"port":          {strconv.Itoa(info.Port)},
		"private":       {strconv.FormatBool(info.Private)},
		"pass":          {"false"},
		"tags":          {normalizeTags(info.Tags)},
		"guests":        {strconv.Itoa(info.Guests)},
		"modstotal":     {strconv.Itoa(info.ModsTotal)},
		"modstotalsize": {strconv.FormatInt(info.ModsTotalSize, 10)},
		"modlist":       {modListField(info.ModList)},
		"version":       {info.Version},
		"clientversion": {info.ClientVersion},
		"key":           {r.Key},
	}.Encode()

	for _, mirror = range r.Mirrors {
		ok, reqErr := r.postOne(ctx, mirror, form)
		if reqErr == nil && ok {
			return mirror, nil
		}
		err = reqErr
	}
	if err == nil {
		err = errAllMirrorsRejected
	}
	return "", err
}

var errAllMirrorsRejected = &reportError{"heartbeat: all mirrors rejected report"}

type reportError struct{ msg string }

func (e *reportError) Error() string { return e.msg }

func (r *Reporter) postOne(ctx context.Context, baseURL, form string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/heartbeat", strings.NewReader(form))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("api-v", "2")

	resp, err := r.HTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	var reply struct {
		Status string `json:"status"`
		Code   int    `json:"code"`
		Msg    string `json:"msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return false, err
	}
	return successStatuses[reply.Status], nil
}
