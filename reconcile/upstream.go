package reconcile

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/tidwall/gjson"
)

// maxPayloadBytes caps upstream payloads read into memory.
const maxPayloadBytes = 4 << 20

// DefaultProjection keeps the fields the catalog displays. See gjson multipath syntax.
const DefaultProjection = `{id,name,height,weight,"baseExperience":base_experience,"types":types.#.type.name,"abilities":abilities.#.ability.name}`

// upstream reads the paginated list endpoint and the per-item detail endpoints.
type upstream struct {
	client     *http.Client
	listURL    string
	pageSize   int
	maxRecords int
	projection string
}

// listDetailURLs pages through the list endpoint with ?limit=N&offset=M until the upstream
// reports no next page or maxRecords references were collected.
func (u *upstream) listDetailURLs(ctx context.Context) ([]string, error) {
	var urls []string
	for offset := 0; u.maxRecords <= 0 || len(urls) < u.maxRecords; {
		limit := u.pageSize
		if u.maxRecords > 0 && u.maxRecords-len(urls) < limit {
			limit = u.maxRecords - len(urls)
		}
		page, err := u.get(ctx, u.pageURL(limit, offset))
		if err != nil {
			return nil, fmt.Errorf("list offset %d: %w", offset, err)
		}
		results := gjson.GetBytes(page, "results")
		if !results.IsArray() {
			return nil, fmt.Errorf("list offset %d: missing results", offset)
		}
		entries := results.Array()
		for _, entry := range entries {
			if detail := entry.Get("url").String(); detail != "" {
				urls = append(urls, detail)
			}
		}
		offset += len(entries)
		if len(entries) == 0 || gjson.GetBytes(page, "next").String() == "" {
			break
		}
	}
	return urls, nil
}

// fetchRecord loads one detail payload and projects it into a Record.
func (u *upstream) fetchRecord(ctx context.Context, detailURL string) (Record, error) {
	payload, err := u.get(ctx, detailURL)
	if err != nil {
		return Record{}, err
	}
	if u.projection != "" {
		if !gjson.ValidBytes(payload) {
			return Record{}, fmt.Errorf("%s: invalid JSON", detailURL)
		}
		payload = []byte(gjson.GetBytes(payload, u.projection).Raw)
	}
	record, err := ParseRecord(payload)
	if err != nil {
		return Record{}, fmt.Errorf("%s: %w", detailURL, err)
	}
	return record, nil
}

func (u *upstream) pageURL(limit, offset int) string {
	parsed, err := url.Parse(u.listURL)
	if err != nil {
		return u.listURL
	}
	q := parsed.Query()
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	parsed.RawQuery = q.Encode()
	return parsed.String()
}

func (u *upstream) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, err
	}
	return body, nil
}
