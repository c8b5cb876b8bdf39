package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openbotauth/openbotauth/internal/httpsig"
	"github.com/openbotauth/openbotauth/internal/jwk"
	"github.com/openbotauth/openbotauth/pkg/botsign"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	cfgFile     string
	registryURL string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "oba",
	Short: "OpenBotAuth CLI",
	Long: `oba is the command-line interface for OpenBotAuth.

It generates bot keypairs, signs requests with RFC 9421 HTTP Message
Signatures, and talks to an OpenBotAuth registry.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".oba"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if registryURL == "" {
			registryURL = viper.GetString("registry_url")
		}
		if registryURL == "" {
			registryURL = "http://localhost:8080"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.oba/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&registryURL, "registry", "", "registry base URL (default http://localhost:8080)")

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

// ── keygen ───────────────────────────────────────────────────────────────────

var keygenOut string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 bot keypair",
	Long: `Keygen writes a PKCS#8 private key and the public JWK to the output
directory and prints both kid forms. Upload the JWK to the registry;
keep the private key local.`,
	RunE: runKeygen,
}

func init() {
	keygenCmd.Flags().StringVar(&keygenOut, "out", ".", "Output directory for bot.key and bot.jwk.json")
}

func runKeygen(cmd *cobra.Command, args []string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("encode private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	pubJWK, err := jwk.FromEd25519(pub)
	if err != nil {
		return err
	}
	jwkJSON, err := json.MarshalIndent(pubJWK, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(keygenOut, 0o700); err != nil {
		return err
	}
	keyPath := filepath.Join(keygenOut, "bot.key")
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	jwkPath := filepath.Join(keygenOut, "bot.jwk.json")
	if err := os.WriteFile(jwkPath, jwkJSON, 0o644); err != nil {
		return fmt.Errorf("write public jwk: %w", err)
	}

	fmt.Printf("private key: %s\n", keyPath)
	fmt.Printf("public jwk:  %s\n", jwkPath)
	fmt.Printf("kid:         %s\n", pubJWK.Kid)
	fmt.Printf("legacy kid:  %s\n", jwk.LegacyKid(pub))
	return nil
}

// loadPrivateKey reads a PKCS#8 Ed25519 private key PEM.
func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: not a PEM file", path)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%s: not an Ed25519 key", path)
	}
	return key, nil
}

// ── sign ─────────────────────────────────────────────────────────────────────

var (
	signKeyPath  string
	signAgentURL string
	signTag      string
)

var signCmd = &cobra.Command{
	Use:   "sign <METHOD> <URL>",
	Short: "Print the signature headers for a request",
	Long: `Sign builds the RFC 9421 signature base for the request and prints
the three headers, ready to paste into curl:

  oba sign --key bot.key --agent-url https://registry.example/jwks/alice.json GET https://site.example/feed`,
	Args: cobra.ExactArgs(2),
	RunE: runSign,
}

func init() {
	signCmd.Flags().StringVar(&signKeyPath, "key", "bot.key", "Private key file")
	signCmd.Flags().StringVar(&signAgentURL, "agent-url", "", "Signature-Agent directory URL (required)")
	signCmd.Flags().StringVar(&signTag, "tag", "", "Application tag")
	signCmd.MarkFlagRequired("agent-url") //nolint:errcheck
}

func runSign(cmd *cobra.Command, args []string) error {
	key, err := loadPrivateKey(signKeyPath)
	if err != nil {
		return err
	}
	req, err := httpsig.FromURL(args[0], args[1], http.Header{})
	if err != nil {
		return err
	}
	pub := key.Public().(ed25519.PublicKey)
	k, err := jwk.FromEd25519(pub)
	if err != nil {
		return err
	}
	result, err := httpsig.Sign(req, httpsig.SignOptions{
		Key:      key,
		KeyID:    k.Kid,
		AgentURL: signAgentURL,
		Tag:      signTag,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s\n", httpsig.HeaderSignatureInput, result.SignatureInput)
	fmt.Printf("%s: %s\n", httpsig.HeaderSignature, result.Signature)
	fmt.Printf("%s: %s\n", httpsig.HeaderSignatureAgent, result.SignatureAgent)
	return nil
}

// ── send ─────────────────────────────────────────────────────────────────────

var (
	sendKeyPath  string
	sendAgentURL string
	sendTag      string
	sendData     string
	sendHeaders  []string
)

var sendCmd = &cobra.Command{
	Use:   "send <METHOD> <URL>",
	Short: "Sign a request and send it",
	Args:  cobra.ExactArgs(2),
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendKeyPath, "key", "bot.key", "Private key file")
	sendCmd.Flags().StringVar(&sendAgentURL, "agent-url", "", "Signature-Agent directory URL (required)")
	sendCmd.Flags().StringVar(&sendTag, "tag", "", "Application tag")
	sendCmd.Flags().StringVarP(&sendData, "data", "d", "", "Request body")
	sendCmd.Flags().StringArrayVarP(&sendHeaders, "header", "H", nil, "Extra header, key:value (repeatable)")
	sendCmd.MarkFlagRequired("agent-url") //nolint:errcheck
}

func runSend(cmd *cobra.Command, args []string) error {
	key, err := loadPrivateKey(sendKeyPath)
	if err != nil {
		return err
	}
	opts := []botsign.SignerOption{}
	if sendTag != "" {
		opts = append(opts, botsign.WithTag(sendTag))
	}
	signer, err := botsign.NewSigner(key, sendAgentURL, opts...)
	if err != nil {
		return err
	}
	client := botsign.NewClient(signer)

	var body io.Reader
	if sendData != "" {
		body = strings.NewReader(sendData)
	}
	req, err := http.NewRequestWithContext(context.Background(), strings.ToUpper(args[0]), args[1], body)
	if err != nil {
		return err
	}
	for _, h := range sendHeaders {
		k, v, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("bad header %q, want key:value", h)
		}
		req.Header.Set(strings.TrimSpace(k), strings.TrimSpace(v))
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	fmt.Printf("%s\n", resp.Status)
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if len(respBody) > 0 {
		fmt.Println(string(respBody))
	}
	return nil
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyVerifierURL string
	verifyHeaders     []string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <METHOD> <URL>",
	Short: "Ask a verifier service to check signature headers",
	Long: `Verify forwards the request metadata and headers to a verifier
service's /verify endpoint and prints the decision:

  oba verify --verifier http://localhost:8081 \
    -H 'Signature-Input: ...' -H 'Signature: ...' -H 'Signature-Agent: ...' \
    GET https://site.example/feed`,
	Args: cobra.ExactArgs(2),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyVerifierURL, "verifier", "http://localhost:8081", "Verifier base URL")
	verifyCmd.Flags().StringArrayVarP(&verifyHeaders, "header", "H", nil, "Header to verify, key:value (repeatable)")
}

func runVerify(cmd *cobra.Command, args []string) error {
	headers := make(map[string]string, len(verifyHeaders))
	for _, h := range verifyHeaders {
		k, v, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("bad header %q, want key:value", h)
		}
		headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	payload, err := json.Marshal(map[string]any{
		"method":  strings.ToUpper(args[0]),
		"url":     args[1],
		"headers": headers,
	})
	if err != nil {
		return err
	}

	resp, err := http.Post(verifyVerifierURL+"/verify", "application/json", strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	fmt.Println(string(body))
	return nil
}

// ── login ────────────────────────────────────────────────────────────────────

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to the registry via the browser",
	Long: `Login starts a loopback listener, prints the registry login URL, and
waits for the browser to hand the session back. The session is saved to
the config file for later commands.`,
	RunE: runLogin,
}

func runLogin(cmd *cobra.Command, args []string) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("start loopback listener: %w", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	var stateBuf [16]byte
	if _, err := rand.Read(stateBuf[:]); err != nil {
		return err
	}
	state := base64.RawURLEncoding.EncodeToString(stateBuf[:])

	type callback struct {
		session string
		err     error
	}
	done := make(chan callback, 1)

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/callback" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			done <- callback{err: errors.New("state mismatch; try again")}
			return
		}
		fmt.Fprintln(w, "Logged in. You can close this tab.")
		done <- callback{session: r.URL.Query().Get("session")}
	})}
	go srv.Serve(ln) //nolint:errcheck
	defer srv.Close()

	loginURL := fmt.Sprintf("%s/auth/cli?port=%d&state=%s", registryURL, port, state)
	fmt.Printf("Open this URL in your browser to log in:\n\n  %s\n\n", loginURL)

	select {
	case cb := <-done:
		if cb.err != nil {
			return cb.err
		}
		if cb.session == "" {
			return errors.New("no session returned")
		}
		return saveSession(cb.session)
	case <-time.After(5 * time.Minute):
		return errors.New("login timed out")
	}
}

func saveSession(session string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	dir := filepath.Join(home, ".oba")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	viper.Set("registry_url", registryURL)
	viper.Set("session", session)
	path := filepath.Join(dir, "config.yaml")
	if err := viper.WriteConfigAs(path); err != nil {
		return err
	}
	fmt.Printf("Session saved to %s\n", path)
	return nil
}

// ── token ────────────────────────────────────────────────────────────────────

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage personal access tokens (requires login)",
}

var (
	tokenName   string
	tokenScopes []string
	tokenExpiry int
)

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a personal access token",
	Long: `Create mints a token under the saved browser session. The raw token
is printed exactly once; store it somewhere safe.`,
	RunE: runTokenCreate,
}

var tokenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List personal access tokens",
	RunE:  runTokenList,
}

var tokenDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a personal access token",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenDelete,
}

func init() {
	tokenCreateCmd.Flags().StringVar(&tokenName, "name", "", "Token name (required)")
	tokenCreateCmd.Flags().StringSliceVar(&tokenScopes, "scope", nil, "Granted scope, e.g. agents:read (repeatable)")
	tokenCreateCmd.Flags().IntVar(&tokenExpiry, "expiry-days", 0, "Days until expiry (default 30)")
	tokenCreateCmd.MarkFlagRequired("name") //nolint:errcheck

	tokenCmd.AddCommand(tokenCreateCmd)
	tokenCmd.AddCommand(tokenListCmd)
	tokenCmd.AddCommand(tokenDeleteCmd)
}

// registryRequest sends an authenticated request using the saved session.
func registryRequest(method, path string, payload any) ([]byte, int, error) {
	session := viper.GetString("session")
	if session == "" {
		return nil, 0, errors.New("not logged in; run `oba login` first")
	}

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		body = strings.NewReader(string(raw))
	}
	req, err := http.NewRequestWithContext(context.Background(), method, registryURL+path, body)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.AddCookie(&http.Cookie{Name: "oba_session", Value: session})

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return raw, resp.StatusCode, nil
}

func runTokenCreate(cmd *cobra.Command, args []string) error {
	payload := map[string]any{"name": tokenName, "scopes": tokenScopes}
	if tokenExpiry > 0 {
		payload["expiry_days"] = tokenExpiry
	}
	body, status, err := registryRequest(http.MethodPost, "/auth/tokens", payload)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("registry returned %d: %s", status, body)
	}
	var created struct {
		Token     string    `json:"token"`
		ID        string    `json:"id"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &created); err != nil {
		return err
	}
	fmt.Printf("id:      %s\n", created.ID)
	fmt.Printf("expires: %s\n", created.ExpiresAt.Format(time.RFC3339))
	fmt.Printf("token:   %s\n", created.Token)
	fmt.Println("\nThis token is shown only once.")
	return nil
}

func runTokenList(cmd *cobra.Command, args []string) error {
	body, status, err := registryRequest(http.MethodGet, "/auth/tokens", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("registry returned %d: %s", status, body)
	}
	var out struct {
		Tokens []struct {
			ID        string    `json:"id"`
			Name      string    `json:"name"`
			Prefix    string    `json:"prefix"`
			Scopes    []string  `json:"scopes"`
			ExpiresAt time.Time `json:"expires_at"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return err
	}
	if len(out.Tokens) == 0 {
		fmt.Println("no tokens")
		return nil
	}
	for _, t := range out.Tokens {
		fmt.Printf("%s  %-20s %s...  %s  expires %s\n",
			t.ID, t.Name, t.Prefix, strings.Join(t.Scopes, ","), t.ExpiresAt.Format("2006-01-02"))
	}
	return nil
}

func runTokenDelete(cmd *cobra.Command, args []string) error {
	body, status, err := registryRequest(http.MethodDelete, "/auth/tokens/"+args[0], nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return fmt.Errorf("registry returned %d: %s", status, body)
	}
	fmt.Println("deleted")
	return nil
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the oba version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("oba", version)
	},
}
