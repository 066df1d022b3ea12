package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type JWKSResponse struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

var (
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	keyID      = "taskwire-key-1"
	issuer     = "taskwire"
	audience   = "taskwire-api"
)

// Init attempts to load an existing RSA key pair from env vars. If none found, it generates a new pair
func init() {
	var err error

	if v := os.Getenv("JWT_ISSUER"); v != "" {
		issuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		audience = v
	}

	// Try to load existing key, else generate new one
	if privateKeyPEM := os.Getenv("JWT_PRIVATE_KEY"); privateKeyPEM != "" {
		block, _ := pem.Decode([]byte(privateKeyPEM))
		if block == nil {
			log.Fatal("Failed to decode PEM private key")
		}

		privateKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			log.Fatalf("Failed to parse private key: %v", err)
		}
	} else {
		// Generate new RSA key pair
		privateKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			log.Fatalf("Failed to generate RSA key: %v", err)
		}
		log.Printf("Generated new RSA key pair for JWT signing")
	}

	publicKey = &privateKey.PublicKey
}

// jwksHandler serves the JWKS endpoint
func jwksHandler(w http.ResponseWriter, r *http.Request) {
	// Convert RSA public key to JWK format
	jwk := JWK{
		Kty: "RSA",
		Use: "sig",
		Kid: keyID,
		N:   base64UrlEncode(publicKey.N.Bytes()),
		E:   base64UrlEncode(intToBytes(publicKey.E)),
	}

	response := JWKSResponse{
		Keys: []JWK{jwk},
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=300") // Cache for 5 minutes
	json.NewEncoder(w).Encode(response)
}

// publicKeyHandler serves the signing key as PEM, for services configured
// with JWT_PUBLIC_KEY instead of a JWKS URL.
func publicKeyHandler(w http.ResponseWriter, r *http.Request) {
	der, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		http.Error(w, "Failed to marshal public key", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	pem.Encode(w, &pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

// createTokenHandler handles token creation requests. Tenant tokens carry
// tenant_id; internal service tokens carry service, optionally scoped to a
// tenant. At least one of the two is required.
func createTokenHandler(w http.ResponseWriter, r *http.Request) {
	// Parse request
	var req struct {
		TenantID string `json:"tenant_id,omitempty"`
		Service  string `json:"service,omitempty"`
		TTL      int    `json:"ttl_seconds,omitempty"` // Optional, defaults to 1 hour
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if req.TenantID == "" && req.Service == "" {
		http.Error(w, "tenant_id or service is required", http.StatusBadRequest)
		return
	}

	ttl := req.TTL
	if ttl == 0 {
		ttl = 3600 // Default to 1 hour
	}

	sub := req.TenantID
	if sub == "" {
		sub = req.Service
	}

	claims := jwt.MapClaims{
		"iss": issuer,
		"aud": audience,
		"sub": sub,
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Duration(ttl) * time.Second).Unix(),
	}
	if req.TenantID != "" {
		claims["tenant_id"] = req.TenantID
	}
	if req.Service != "" {
		claims["service"] = req.Service
	}

	// Create JWT token
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = keyID

	// Sign the token
	tokenString, err := token.SignedString(privateKey)
	if err != nil {
		http.Error(w, "Failed to sign token", http.StatusInternalServerError)
		return
	}

	response := map[string]any{
		"token":      tokenString,
		"expires_in": ttl,
		"token_type": "Bearer",
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// healthHandler provides a simple health check endpoint
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// main starts the JWKS HTTP server
func main() {
	// Register handlers (jwks, public key, token, health)
	http.HandleFunc("/.well-known/jwks.json", jwksHandler)
	http.HandleFunc("/public-key", publicKeyHandler)
	http.HandleFunc("/token", createTokenHandler)
	http.HandleFunc("/healthz", healthHandler)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8082"
	}

	log.Printf("JWKS server starting on port %s", port)
	log.Printf("JWKS endpoint: http://localhost:%s/.well-known/jwks.json", port)
	log.Printf("Token creation: POST http://localhost:%s/token", port)

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

// Helper functions for JWK encoding
func base64UrlEncode(data []byte) string {
	// Base64 URL encode without padding
	encoded := base64.RawURLEncoding.EncodeToString(data)
	return encoded
}

// intToBytes converts an integer to a big-endian byte slice
func intToBytes(i int) []byte {
	if i == 0 {
		return []byte{0}
	}

	bytes := make([]byte, 0)
	for i > 0 {
		bytes = append([]byte{byte(i & 0xff)}, bytes...)
		i >>= 8
	}
	return bytes
}
