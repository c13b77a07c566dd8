package handler

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/jun/agentsync/internal/auth"
)

// GetClaims extracts the caller from the Authorization header or session cookie.
func GetClaims(req events.APIGatewayProxyRequest, jwtSecret string) (auth.Claims, error) {
	getHeader := func(name string) string {
		for k, v := range req.Headers {
			if strings.EqualFold(k, name) {
				return v
			}
		}
		return ""
	}

	tokenString := ""
	if authHeader := getHeader("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		tokenString = strings.TrimPrefix(authHeader, "Bearer ")
	}

	// Cookie format: session_token=xxx; ...
	if tokenString == "" {
		for _, part := range strings.Split(getHeader("Cookie"), ";") {
			part = strings.TrimSpace(part)
			if strings.HasPrefix(part, "session_token=") {
				tokenString = strings.TrimPrefix(part, "session_token=")
				break
			}
		}
	}

	if tokenString == "" {
		return auth.Claims{}, errors.New("no authorization token found")
	}
	return auth.ParseToken(tokenString, jwtSecret)
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(v)
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

func textResponse(status int, body string) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{StatusCode: status, Body: body}
}
