package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"staffportal.org/internal/authctx"
	"staffportal.org/internal/cookie"
	"staffportal.org/internal/httpapi"
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// smoke-session signs a test user in over HTTP, checks the session is
// visible through the client context and over gRPC, then signs out.
func main() {
	base := env("PORTAL_SMOKE_URL", "http://localhost:8080")
	grpcAddr := env("PORTAL_SMOKE_GRPC_ADDR", "localhost:9090")
	email := os.Getenv("PORTAL_SMOKE_EMAIL")
	password := os.Getenv("PORTAL_SMOKE_PASSWORD")
	if email == "" || password == "" {
		log.Fatal("PORTAL_SMOKE_EMAIL and PORTAL_SMOKE_PASSWORD are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	src, err := authctx.NewHTTPSource(base, cookie.New(cookie.Config{
		Domain:      os.Getenv("PORTAL_COOKIE_DOMAIN"),
		Development: os.Getenv("PORTAL_COOKIE_DOMAIN") == "",
	}))
	if err != nil {
		log.Fatalf("http source: %v", err)
	}
	client := authctx.New(src, nil)
	if err := client.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}
	defer client.Stop()

	if err := client.SignIn(ctx, email, password, os.Getenv("PORTAL_SMOKE_MFA_CODE")); err != nil {
		log.Fatalf("sign in as %s: %v", email, err)
	}
	st := client.State()
	if !st.SignedIn() {
		log.Fatalf("signed in but state is empty: %+v", st)
	}
	if err := client.Resync(ctx); err != nil {
		log.Fatalf("resync: %v", err)
	}
	if got := client.State(); got.Session == nil || got.Session.ID != st.Session.ID {
		log.Fatalf("session changed across resync: %+v", got.Session)
	}

	blob, ok := src.Blob()
	if !ok {
		log.Fatal("no SSO cookie after sign in")
	}

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("dial grpc at %s: %v", grpcAddr, err)
	}
	defer conn.Close()
	resp, err := httpapi.NewSessionServiceClient(conn).Validate(ctx, &httpapi.ValidateRequest{Token: blob.AccessToken})
	if err != nil {
		log.Fatalf("grpc validate: %v", err)
	}
	if resp.Identity.UserID != st.User.ID {
		log.Fatalf("grpc identity %s, http identity %s", resp.Identity.UserID, st.User.ID)
	}

	if err := client.SignOut(ctx); err != nil {
		log.Fatalf("sign out: %v", err)
	}
	if _, err := httpapi.NewSessionServiceClient(conn).Validate(ctx, &httpapi.ValidateRequest{Token: blob.AccessToken}); err == nil {
		log.Fatal("session still valid after sign out")
	}

	fmt.Printf("session smoke test passed: user=%s session=%s\n", st.User.ID, st.Session.ID)
}
