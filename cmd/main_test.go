package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const buyerModel = ",Home,Cart,$\nHome*,0.0,0.8,0.2\nCart,0.0,0.0,1.0\n"

const shopConfig = `
name: shop
duration: 200ms
seed: 3
states:
  - name: Home
    request:
      url: /
    transitions:
      - to: Cart
  - name: Cart
    request:
      method: POST
      url: /cart
behaviorMix:
  - name: buyer
    frequency: 1
    file: buyer.csv
sessions:
  users: 2
  startRate: 20
arrival:
  enabled: true
  capacity:
    type: step
    step:
      steps:
        - capacity: 5
          duration: 1m
        - capacity: 10
          duration: 1m
  pollInterval: 10ms
  pollJitter: 10ms
output:
  logging:
    level: error
`

// runCLI runs the CLI in-process and returns stdout, stderr and the exit code.
func runCLI(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

// writeWorkload writes the shop config and its behavior model to a temp dir.
func writeWorkload(t *testing.T, cfg, model string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "buyer.csv"), []byte(model), 0o644))
	path := filepath.Join(dir, "shop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

const openAPIDoc = `
openapi: 3.0.0
info: {title: shop, version: "1"}
paths:
  /products:
    get:
      operationId: listProducts
      responses: {"200": {description: ok}}
  /cart:
    post:
      responses: {"201": {description: created}}
`

func TestCLI_Help(t *testing.T) {
	_, stderr, code := runCLI(t, "-help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stderr, "markovgen - Markov Chain Workload Generator")
	for _, flag := range []string{"-config", "-duration", "-concurrency", "-template", "-validate", "-dry-run", "-prometheus", "EXAMPLES:"} {
		assert.Contains(t, stderr, flag)
	}
}

func TestCLI_Version(t *testing.T) {
	stdout, _, code := runCLI(t, "-version")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "markovgen version dev")
}

func TestCLI_UnknownFlag(t *testing.T) {
	_, _, code := runCLI(t, "-bogus")
	assert.Equal(t, 2, code)
}

func TestCLI_NoConfigError(t *testing.T) {
	_, stderr, code := runCLI(t)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "-config or -openapi flag is required")
}

func TestCLI_ConfigNotFound(t *testing.T) {
	_, stderr, code := runCLI(t, "-config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "configuration file not found")
}

func TestCLI_InvalidConfig(t *testing.T) {
	path := writeWorkload(t, "name: shop\n", buyerModel)
	_, stderr, code := runCLI(t, "-c", path, "-validate")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Error loading configuration")
}

func TestCLI_Validate(t *testing.T) {
	path := writeWorkload(t, shopConfig, buyerModel)
	stdout, stderr, code := runCLI(t, "-config", path, "-validate", "-concurrency", "7")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Configuration 'shop' is valid.")
	assert.Contains(t, stdout, "Users:       7")
	assert.Contains(t, stdout, "Arrival:     step")
}

func TestCLI_ValidateRejectsBadModel(t *testing.T) {
	path := writeWorkload(t, shopConfig, ",Home,Cart,$\nHome*,0,1,0\nShop,0,0,1\n")
	_, stderr, code := runCLI(t, "-config", path, "-validate")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, `behavior mix entry "buyer"`)
}

func TestCLI_DryRun(t *testing.T) {
	path := writeWorkload(t, shopConfig, buyerModel)
	stdout, stderr, code := runCLI(t, "-config", path, "-dry-run", "-duration", "4m")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "=== Run Plan (Dry Run) ===")
	assert.Contains(t, stdout, "Duration:    4m0s")
	assert.Contains(t, stdout, "POST /cart")
	assert.Contains(t, stdout, "buyer")
	assert.Contains(t, stdout, "100.0%")
	assert.Contains(t, stdout, "Capacity Profile (step):")
	assert.Contains(t, stdout, "t=0s")
	assert.Contains(t, stdout, "Ready to execute.")
}

func TestCLI_Template(t *testing.T) {
	path := writeWorkload(t, shopConfig, buyerModel)
	out := filepath.Join(t.TempDir(), "new.csv")
	stdout, stderr, code := runCLI(t, "-config", path, "-template", out)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "for 2 states")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, ",Home,Cart,$\nHome*,0.0,0.0,1\nCart,0.0,0.0,1\n", string(data))
}

func TestCLI_Run(t *testing.T) {
	path := writeWorkload(t, shopConfig, buyerModel)
	dir := t.TempDir()
	summaryFile := filepath.Join(dir, "summary.json")
	arrivalLog := filepath.Join(dir, "arrival.csv")

	stdout, stderr, code := runCLI(t,
		"-config", path,
		"-summary-file", summaryFile,
		"-arrival-log", arrivalLog,
		"-prometheus", "127.0.0.1:0",
	)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "MARKOV WORKLOAD SUMMARY")

	data, err := os.ReadFile(summaryFile)
	require.NoError(t, err)
	var snap map[string]any
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Contains(t, snap, "sessionsStarted")

	log, err := os.ReadFile(arrivalLog)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(log), "0,"))
}

func TestCLI_RunFailsOnSetupError(t *testing.T) {
	path := writeWorkload(t, shopConfig, ",Home,Cart,$\nHome*,0,-1,0\nCart,0,0,1\n")
	_, stderr, code := runCLI(t, "-config", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Error running workload")
}

func TestCLI_OpenAPIList(t *testing.T) {
	doc := filepath.Join(t.TempDir(), "api.yaml")
	require.NoError(t, os.WriteFile(doc, []byte(openAPIDoc), 0o644))

	stdout, stderr, code := runCLI(t, "-openapi", doc)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "States from api.yaml (2):")
	assert.Contains(t, stdout, "listProducts")
	assert.Contains(t, stdout, "post.cart")
}

func TestCLI_OpenAPITemplate(t *testing.T) {
	dir := t.TempDir()
	doc := filepath.Join(dir, "api.yaml")
	require.NoError(t, os.WriteFile(doc, []byte(openAPIDoc), 0o644))
	out := filepath.Join(dir, "model.csv")

	_, stderr, code := runCLI(t, "-o", doc, "-template", out)
	require.Equal(t, 0, code, stderr)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), ",post.cart,listProducts,$\n"))
}

func TestCLI_OpenAPINotFound(t *testing.T) {
	_, stderr, code := runCLI(t, "-openapi", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Error parsing OpenAPI document")
}

func TestApplyOverrides(t *testing.T) {
	path := writeWorkload(t, shopConfig, buyerModel)
	stdout, stderr, code := runCLI(t, "-config", path, "-dry-run",
		"-concurrency", "9", "-start-rate", "3", "-seed", "11", "-v")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "Users:       9")
}
