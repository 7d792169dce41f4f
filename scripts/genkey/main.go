// genkey generates the secrets a Kakehashi deployment needs.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey jwt                  # data/jwt_private.pem, data/jwt_public.pem
//	go run ./scripts/genkey credential-key       # value for KAKEHASHI_CREDENTIAL_KEY
//	go run ./scripts/genkey api-key CLIENT USER  # a new key plus its KAKEHASHI_API_KEYS entry
//	go run ./scripts/genkey token USER [WORKSPACE...]  # a dev token signed with data/jwt_private.pem
//
// The server auto-generates ephemeral JWT keys when KAKEHASHI_JWT_PRIVATE_KEY
// is unset, but those are discarded on every restart, invalidating all
// existing tokens. Persistent keys prevent that.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashita-ai/kakehashi/internal/auth"
)

const (
	dataDir  = "data"
	privName = "jwt_private.pem"
	pubName  = "jwt_public.pem"
)

func main() {
	cmd := "jwt"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	var err error
	switch cmd {
	case "jwt":
		err = writeJWTKeys()
	case "credential-key":
		err = printCredentialKey()
	case "api-key":
		if len(os.Args) != 4 {
			err = fmt.Errorf("usage: genkey api-key CLIENT USER")
			break
		}
		err = printAPIKey(os.Args[2], os.Args[3])
	case "token":
		if len(os.Args) < 3 {
			err = fmt.Errorf("usage: genkey token USER [WORKSPACE...]")
			break
		}
		err = printToken(os.Args[2], os.Args[3:])
	default:
		err = fmt.Errorf("unknown command %q (want jwt, credential-key, api-key or token)", cmd)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func writeJWTKeys() error {
	privPath := filepath.Join(dataDir, privName)
	pubPath := filepath.Join(dataDir, pubName)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("cannot create %s: %w", dataDir, err)
	}

	// Refuse to overwrite existing keys; rotating invalidates live tokens.
	for _, path := range []string{privPath, pubPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, delete it first if you want to rotate keys", path)
		}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return err
	}

	fmt.Printf("wrote %s\n", privPath)
	fmt.Printf("wrote %s\n", pubPath)
	fmt.Printf("export KAKEHASHI_JWT_PRIVATE_KEY=%s KAKEHASHI_JWT_PUBLIC_KEY=%s\n", privPath, pubPath)
	return nil
}

func writePEM(path, kind string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: kind, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func printCredentialKey() error {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate credential key: %w", err)
	}
	fmt.Printf("KAKEHASHI_CREDENTIAL_KEY=%s\n", base64.StdEncoding.EncodeToString(key))
	return nil
}

func printAPIKey(client, user string) error {
	key, err := auth.GenerateAPIKey()
	if err != nil {
		return err
	}
	hash, err := auth.HashAPIKey(key)
	if err != nil {
		return err
	}
	entry := auth.APIKeyEntry{Client: client, UserID: user, Hash: hash}
	fmt.Printf("api key (give to the client, shown once): %s\n", key)
	fmt.Printf("KAKEHASHI_API_KEYS entry: %s\n", entry)
	return nil
}

func printToken(user string, workspaces []string) error {
	mgr, err := auth.NewJWTManager(filepath.Join(dataDir, privName), filepath.Join(dataDir, pubName), 24*time.Hour)
	if err != nil {
		return err
	}
	tok, exp, err := mgr.IssueToken(auth.Principal{UserID: user, Name: user, Workspaces: workspaces})
	if err != nil {
		return err
	}
	fmt.Println(tok)
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
	return nil
}
