package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"
)

const qrDataURLPrefix = "data:image/png;base64,"

// Credential é a credencial de entrada de um ingresso: o token assinado e sua
// renderização em QR code (data URL PNG)
type Credential struct {
	Token  string `json:"token"`
	QRCode string `json:"qr_code"`
}

// EntryClaims são as claims assinadas dentro da credencial de entrada
type EntryClaims struct {
	RoomID   string `json:"roomId"`
	BuyerID  string `json:"buyerId"`
	TicketID string `json:"ticketId"`
	jwt.RegisteredClaims
}

// CredentialIssuer gera identificadores de ingresso e credenciais de entrada
type CredentialIssuer interface {
	NewTicketID() string
	IssueCredential(roomID, buyerID, ticketID string) (Credential, error)
}

// TicketIssuer emite ingressos com credencial JWT HS256 e QR code
type TicketIssuer struct {
	signingKey []byte
	issuer     string
	qrSize     int
	clock      Clock
}

// NewTicketIssuer cria uma nova instância de TicketIssuer
func NewTicketIssuer(signingKey []byte, issuer string, clock Clock) *TicketIssuer {
	return &TicketIssuer{
		signingKey: signingKey,
		issuer:     issuer,
		qrSize:     256,
		clock:      clock,
	}
}

// NewTicketID gera um identificador legível e não adivinhável: timestamp em base36
// seguido de um sufixo aleatório
func (i *TicketIssuer) NewTicketID() string {
	ts := strconv.FormatInt(i.clock.Now().UnixMilli(), 36)
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return strings.ToUpper("TKT-" + ts + "-" + random)
}

// IssueCredential assina as claims do ingresso e renderiza o QR code
func (i *TicketIssuer) IssueCredential(roomID, buyerID, ticketID string) (Credential, error) {
	if roomID == "" || buyerID == "" || ticketID == "" {
		return Credential{}, fmt.Errorf("%w: room, buyer and ticket are required", ErrInvalidCredential)
	}

	now := i.clock.Now()
	claims := EntryClaims{
		RoomID:   roomID,
		BuyerID:  buyerID,
		TicketID: ticketID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       ticketID,
			Issuer:   i.issuer,
			Subject:  buyerID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingKey)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to sign credential: %w", err)
	}

	png, err := qrcode.Encode(token, qrcode.Medium, i.qrSize)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to render qr code: %w", err)
	}

	return Credential{
		Token:  token,
		QRCode: qrDataURLPrefix + base64.StdEncoding.EncodeToString(png),
	}, nil
}

// ParseCredential valida a assinatura e devolve as claims da credencial
func (i *TicketIssuer) ParseCredential(token string) (*EntryClaims, error) {
	claims := &EntryClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) {
			return i.signingKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, errors.Join(ErrInvalidCredential, err)
	}
	if !parsed.Valid || claims.TicketID == "" || claims.RoomID == "" || claims.BuyerID == "" {
		return nil, ErrInvalidCredential
	}
	return claims, nil
}
