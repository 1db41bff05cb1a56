package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"blocksmith/internal/core"
	"blocksmith/internal/logging"
)

// =============================================================================
// SYSTEM SEED BLOCKS
// =============================================================================
// The catalog ships a small set of created_by=system blocks so a fresh
// install can plan useful pipelines before the synthesizer has created
// anything. Existing rows are never touched: local changes survive
// restarts, and non-system callers cannot overwrite these ids at all.

// EnsureSeedBlocks inserts any missing system block. Returns how many
// were inserted.
func (r *Registry) EnsureSeedBlocks(ctx context.Context) (int, error) {
	inserted := 0
	for _, block := range systemBlocks() {
		var one int
		err := r.db.QueryRowContext(ctx, "SELECT 1 FROM blocks WHERE id = ?", block.ID).Scan(&one)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return inserted, fmt.Errorf("failed to check seed block %s: %w", block.ID, err)
		}
		if err := r.Save(ctx, block); err != nil {
			return inserted, err
		}
		inserted++
	}
	if inserted > 0 {
		logging.Registry("seeded %d system blocks", inserted)
	}
	return inserted, nil
}

// LoadSeedDir upserts every *.json / *.yaml / *.yml block definition in
// dir through the normal save gate. Returns how many loaded; per-file
// failures are logged and skipped so one bad upload cannot block the
// rest.
func (r *Registry) LoadSeedDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read seed dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !isSeedFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := r.LoadSeedFile(ctx, path); err != nil {
			logging.RegistryWarn("seed file %s rejected: %v", entry.Name(), err)
			continue
		}
		loaded++
	}
	if loaded > 0 {
		logging.Registry("loaded %d seed blocks from %s", loaded, dir)
	}
	return loaded, nil
}

// LoadSeedFile parses and saves one block document.
func (r *Registry) LoadSeedFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}

	block, err := ParseBlockDocument(data, filepath.Ext(path))
	if err != nil {
		return err
	}
	if block.Metadata.CreatedBy == "" {
		block.Metadata.CreatedBy = core.CreatedByUser
	}
	return r.Save(ctx, block)
}

func isSeedFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

// ParseBlockDocument decodes a JSON or YAML block definition. YAML goes
// through a generic map first so both formats share the JSON field names.
func ParseBlockDocument(data []byte, ext string) (*core.BlockDefinition, error) {
	var block core.BlockDefinition
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var doc map[string]interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, core.NewValidation(core.SubkindStageSchema, "malformed yaml block document").WithCause(err)
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, core.NewValidation(core.SubkindStageSchema, "unconvertible yaml block document").WithCause(err)
		}
		if err := json.Unmarshal(raw, &block); err != nil {
			return nil, core.NewValidation(core.SubkindStageSchema, "block document does not match the block shape").WithCause(err)
		}
	default:
		if err := json.Unmarshal(data, &block); err != nil {
			return nil, core.NewValidation(core.SubkindStageSchema, "malformed json block document").WithCause(err)
		}
	}
	return &block, nil
}

// systemBlocks returns fresh copies of the seed definitions.
func systemBlocks() []*core.BlockDefinition {
	str := func(desc string) core.SchemaProperty {
		return core.SchemaProperty{Type: core.TypeString, Description: desc}
	}
	meta := func(network bool, packages ...string) core.BlockMetadata {
		return core.BlockMetadata{CreatedBy: core.CreatedBySystem, NeedsNetwork: network, Packages: packages}
	}

	return []*core.BlockDefinition{
		{
			ID:            "web_search",
			Name:          "Web Search",
			Description:   "Searches the web for a query and returns result titles, URLs, and snippets",
			Category:      core.CategoryInput,
			ExecutionType: core.ExecPython,
			InputSchema: core.IOSchema{
				Properties: map[string]core.SchemaProperty{
					"query":       str("search query text"),
					"max_results": {Type: core.TypeInteger, Description: "maximum results to return", Default: 5},
				},
				Required: []string{"query"},
			},
			OutputSchema: core.IOSchema{
				Properties: map[string]core.SchemaProperty{
					"results": {Type: core.TypeArray, Description: "list of {title, url, snippet}", Items: core.TypeObject},
					"count":   {Type: core.TypeInteger, Description: "number of results"},
				},
				Required: []string{"results", "count"},
			},
			SourceCode: sourceWebSearch,
			UseWhen:    "the user wants fresh information from the internet",
			Tags:       []string{"web", "search", "news", "internet"},
			Metadata:   meta(true, "requests"),
		},
		{
			ID:            "web_scrape",
			Name:          "Web Scrape",
			Description:   "Fetches a URL and extracts the page title and readable text",
			Category:      core.CategoryInput,
			ExecutionType: core.ExecPython,
			InputSchema: core.IOSchema{
				Properties: map[string]core.SchemaProperty{
					"url": str("page URL to fetch"),
				},
				Required: []string{"url"},
			},
			OutputSchema: core.IOSchema{
				Properties: map[string]core.SchemaProperty{
					"title": str("page title"),
					"text":  str("extracted readable text"),
				},
				Required: []string{"text"},
			},
			SourceCode: sourceWebScrape,
			UseWhen:    "a specific page's content is needed rather than search results",
			Tags:       []string{"web", "scrape", "html", "extract"},
			Metadata:   meta(true, "requests", "beautifulsoup4"),
		},
		{
			ID:            "summarize",
			Name:          "Summarize Text",
			Description:   "Produces a short summary of input text",
			Category:      core.CategoryProcess,
			ExecutionType: core.ExecTextGeneration,
			InputSchema: core.IOSchema{
				Properties: map[string]core.SchemaProperty{
					"text":  str("text to summarize"),
					"style": {Type: core.TypeString, Description: "summary style", Default: "concise"},
				},
				Required: []string{"text"},
			},
			OutputSchema: core.IOSchema{
				Properties: map[string]core.SchemaProperty{
					"summary": str("the summary"),
				},
				Required: []string{"summary"},
			},
			PromptTemplate: "Summarize the following content in a {style} style. Reply with JSON: {\"summary\": \"...\"}\n\nContent:\n{text}",
			UseWhen:        "long text needs to be condensed for a notification or report",
			Tags:           []string{"summary", "text", "condense", "llm"},
			Metadata:       meta(false),
		},
		{
			ID:            "notify_push",
			Name:          "Push Notification",
			Description:   "Sends a push notification with a title and message to the configured topic",
			Category:      core.CategoryAction,
			ExecutionType: core.ExecPython,
			InputSchema: core.IOSchema{
				Properties: map[string]core.SchemaProperty{
					"message": str("notification body"),
					"title":   {Type: core.TypeString, Description: "notification title", Default: "blocksmith"},
					"topic":   {Type: core.TypeString, Description: "delivery topic", Default: "blocksmith-alerts"},
				},
				Required: []string{"message"},
			},
			OutputSchema: core.IOSchema{
				Properties: map[string]core.SchemaProperty{
					"delivered": {Type: core.TypeBoolean, Description: "whether the push was accepted"},
					"channel":   str("channel the notification went to"),
				},
				Required: []string{"delivered"},
			},
			SourceCode: sourceNotifyPush,
			UseWhen:    "the user asked to be notified, alerted, or pinged with a result",
			Tags:       []string{"notify", "push", "alert", "message"},
			Metadata:   meta(true, "requests"),
		},
		{
			ID:            "memory_write",
			Name:          "Memory Write",
			Description:   "Stores a value under a key in the user's persistent memory",
			Category:      core.CategoryMemory,
			ExecutionType: core.ExecPython,
			InputSchema: core.IOSchema{
				Properties: map[string]core.SchemaProperty{
					"key":   str("memory key"),
					"value": str("value to store"),
				},
				Required: []string{"key", "value"},
			},
			OutputSchema: core.IOSchema{
				Properties: map[string]core.SchemaProperty{
					"stored": {Type: core.TypeBoolean, Description: "whether the value was stored"},
					"key":    str("the key written"),
				},
				Required: []string{"stored", "key"},
			},
			SourceCode: sourceMemoryWrite,
			UseWhen:    "a result should persist across runs, e.g. remembering what was already reported",
			Tags:       []string{"memory", "store", "persist", "remember"},
			Metadata:   meta(false),
		},
		{
			ID:            "filter_threshold",
			Name:          "Threshold Filter",
			Description:   "Passes a numeric value through only when it crosses a threshold",
			Category:      core.CategoryControl,
			ExecutionType: core.ExecPython,
			InputSchema: core.IOSchema{
				Properties: map[string]core.SchemaProperty{
					"value":     {Type: core.TypeNumber, Description: "value to test"},
					"threshold": {Type: core.TypeNumber, Description: "comparison threshold"},
					"operator":  {Type: core.TypeString, Description: "comparison: one of <, >, <=, >=", Default: ">"},
				},
				Required: []string{"value", "threshold"},
			},
			OutputSchema: core.IOSchema{
				Properties: map[string]core.SchemaProperty{
					"passes": {Type: core.TypeBoolean, Description: "whether the comparison held"},
					"value":  {Type: core.TypeNumber, Description: "the tested value"},
				},
				Required: []string{"passes", "value"},
			},
			SourceCode: sourceFilterThreshold,
			UseWhen:    "downstream steps should only run when a number is high or low enough",
			Tags:       []string{"filter", "threshold", "condition", "branch"},
			Metadata:   meta(false),
		},
		{
			ID:            "http_get",
			Name:          "HTTP GET",
			Description:   "Performs an HTTP GET request and returns status and body",
			Category:      core.CategoryInput,
			ExecutionType: core.ExecPython,
			InputSchema: core.IOSchema{
				Properties: map[string]core.SchemaProperty{
					"url":     str("URL to request"),
					"timeout": {Type: core.TypeInteger, Description: "request timeout in seconds", Default: 30},
				},
				Required: []string{"url"},
			},
			OutputSchema: core.IOSchema{
				Properties: map[string]core.SchemaProperty{
					"status": {Type: core.TypeInteger, Description: "HTTP status code"},
					"body":   str("response body text"),
				},
				Required: []string{"status", "body"},
			},
			SourceCode: sourceHTTPGet,
			UseWhen:    "a JSON API or raw resource must be fetched without scraping",
			Tags:       []string{"http", "api", "fetch", "get"},
			Metadata:   meta(true, "requests"),
		},
		{
			ID:            "schedule_trigger",
			Name:          "Schedule Trigger",
			Description:   "Fires a pipeline on a cron schedule",
			Category:      core.CategoryTrigger,
			ExecutionType: core.ExecPython,
			InputSchema: core.IOSchema{
				Properties: map[string]core.SchemaProperty{
					"cron":     str("cron expression, five fields"),
					"timezone": {Type: core.TypeString, Description: "IANA timezone", Default: "UTC"},
				},
				Required: []string{"cron"},
			},
			OutputSchema: core.IOSchema{
				Properties: map[string]core.SchemaProperty{
					"status": str("trigger status"),
					"cron":   str("the schedule that fired"),
				},
				Required: []string{"status"},
			},
			SourceCode: sourceScheduleTrigger,
			UseWhen:    "the pipeline should run periodically, e.g. every morning",
			Tags:       []string{"schedule", "cron", "trigger", "daily"},
			Metadata:   meta(false),
		},
	}
}

// Seed sources are self-contained modules exposing execute(inputs, context).

const sourceWebSearch = `import requests


def execute(inputs, context):
    query = inputs["query"]
    max_results = int(inputs.get("max_results", 5))
    resp = requests.get(
        "https://html.duckduckgo.com/html/",
        params={"q": query},
        headers={"User-Agent": "blocksmith/1.0"},
        timeout=20,
    )
    resp.raise_for_status()
    results = []
    import re
    pattern = re.compile(
        r'<a[^>]+class="result__a"[^>]+href="([^"]+)"[^>]*>(.*?)</a>.*?'
        r'<a[^>]+class="result__snippet"[^>]*>(.*?)</a>',
        re.DOTALL,
    )
    strip_tags = re.compile(r"<[^>]+>")
    for match in pattern.finditer(resp.text):
        url, title, snippet = match.groups()
        results.append({
            "url": url,
            "title": strip_tags.sub("", title).strip(),
            "snippet": strip_tags.sub("", snippet).strip(),
        })
        if len(results) >= max_results:
            break
    return {"results": results, "count": len(results)}
`

const sourceWebScrape = `import requests
from bs4 import BeautifulSoup


def execute(inputs, context):
    resp = requests.get(
        inputs["url"],
        headers={"User-Agent": "blocksmith/1.0"},
        timeout=30,
    )
    resp.raise_for_status()
    soup = BeautifulSoup(resp.text, "html.parser")
    for tag in soup(["script", "style", "noscript"]):
        tag.decompose()
    title = soup.title.get_text(strip=True) if soup.title else ""
    text = " ".join(soup.get_text(separator=" ").split())
    return {"title": title, "text": text[:20000]}
`

const sourceNotifyPush = `import requests


def execute(inputs, context):
    topic = inputs.get("topic", "blocksmith-alerts")
    title = inputs.get("title", "blocksmith")
    resp = requests.post(
        "https://ntfy.sh/" + topic,
        data=inputs["message"].encode("utf-8"),
        headers={"Title": title},
        timeout=15,
    )
    return {"delivered": resp.status_code < 300, "channel": topic}
`

const sourceMemoryWrite = `def execute(inputs, context):
    memory = context.setdefault("memory", {})
    memory[inputs["key"]] = inputs["value"]
    return {"stored": True, "key": inputs["key"]}
`

const sourceFilterThreshold = `def execute(inputs, context):
    value = float(inputs["value"])
    threshold = float(inputs["threshold"])
    op = inputs.get("operator", ">")
    compare = {
        "<": value < threshold,
        ">": value > threshold,
        "<=": value <= threshold,
        ">=": value >= threshold,
    }
    if op not in compare:
        raise ValueError("unknown operator: " + op)
    return {"passes": compare[op], "value": value}
`

const sourceHTTPGet = `import requests


def execute(inputs, context):
    resp = requests.get(inputs["url"], timeout=int(inputs.get("timeout", 30)))
    return {"status": resp.status_code, "body": resp.text[:100000]}
`

const sourceScheduleTrigger = `def execute(inputs, context):
    # Trigger nodes normally short-circuit in the scheduler; running the
    # block directly just echoes its configuration.
    return {"status": "triggered", "cron": inputs["cron"]}
`
