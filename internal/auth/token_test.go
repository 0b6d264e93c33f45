package auth

import (
	"strings"
	"testing"
	"time"
)

func validClaims() Claims {
	return Claims{
		Sub:      "usr_1",
		Username: "marina",
		JTI:      "jti-1",
		Exp:      time.Now().Add(time.Hour).Unix(),
	}
}

func TestIssueAndParse(t *testing.T) {
	codec := NewCodec([]byte("secret"))
	issued, err := codec.Issue(validClaims())
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	claims, err := codec.Parse(issued)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims.Sub != "usr_1" || claims.Username != "marina" || claims.JTI != "jti-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.IssuedAt == 0 {
		t.Fatal("Issue must stamp iat when absent")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	codec := NewCodec([]byte("secret"))
	claims := validClaims()
	claims.Exp = time.Now().Add(-time.Minute).Unix()
	issued, err := codec.Issue(claims)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := codec.Parse(issued); err != ErrExpiredToken {
		t.Fatalf("Parse() error = %v, want ErrExpiredToken", err)
	}
}

func TestParseRejectsTamperedPayload(t *testing.T) {
	codec := NewCodec([]byte("secret"))
	issued, err := codec.Issue(validClaims())
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	payload, signature, _ := strings.Cut(issued, ".")
	forged := payload + "x." + signature
	if _, err := codec.Parse(forged); err != ErrInvalidToken {
		t.Fatalf("Parse() error = %v, want ErrInvalidToken", err)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	issued, err := NewCodec([]byte("secret")).Issue(validClaims())
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := NewCodec([]byte("other")).Parse(issued); err != ErrInvalidToken {
		t.Fatalf("Parse() error = %v, want ErrInvalidToken", err)
	}
}

func TestParseRejectsMissingClaims(t *testing.T) {
	codec := NewCodec([]byte("secret"))
	claims := validClaims()
	claims.JTI = ""
	issued, err := codec.Issue(claims)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := codec.Parse(issued); err != ErrInvalidToken {
		t.Fatalf("Parse() error = %v, want ErrInvalidToken", err)
	}
}
