package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: go run cmd/dropbox-token/main.go <app-key> <app-secret> [code]")
		fmt.Println("\nThe server needs a long-lived refresh token. Follow the steps:")
		fmt.Println("1. Run this script - it will give you an authorization URL")
		fmt.Println("2. Visit the URL in your browser and authorize")
		fmt.Println("3. Copy the access code Dropbox shows you")
		fmt.Println("4. Run the script again with the code")
		os.Exit(1)
	}

	appKey := os.Args[1]
	appSecret := os.Args[2]

	// Step 2: exchange the code
	if len(os.Args) >= 4 {
		refreshToken, err := exchangeCodeForRefreshToken(appKey, appSecret, os.Args[3])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to get refresh token: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Refresh token obtained.\n\n")
		fmt.Printf("Add this to your .env file:\n")
		fmt.Printf("DROPBOX_APP_KEY=%s\n", appKey)
		fmt.Printf("DROPBOX_APP_SECRET=%s\n", appSecret)
		fmt.Printf("DROPBOX_REFRESH_TOKEN=%s\n", refreshToken)
		return
	}

	// Step 1: Generate authorization URL
	authURL := fmt.Sprintf("https://www.dropbox.com/oauth2/authorize?client_id=%s&response_type=code&token_access_type=offline",
		url.QueryEscape(appKey))

	fmt.Printf("Step 1: Authorize the app\n\n")
	fmt.Printf("Visit this URL in your browser:\n")
	fmt.Printf("%s\n\n", authURL)
	fmt.Printf("Then run:\n")
	fmt.Printf("go run cmd/dropbox-token/main.go %s %s <code>\n", appKey, appSecret)
}

func exchangeCodeForRefreshToken(appKey, appSecret, code string) (string, error) {
	data := url.Values{}
	data.Set("code", code)
	data.Set("grant_type", "authorization_code")

	req, err := http.NewRequest(http.MethodPost, "https://api.dropboxapi.com/oauth2/token", strings.NewReader(data.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(appKey, appSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to get token: %s", string(body))
	}

	var result struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", err
	}
	if result.RefreshToken == "" {
		return "", fmt.Errorf("no refresh_token in response; was token_access_type=offline requested?")
	}
	return result.RefreshToken, nil
}
