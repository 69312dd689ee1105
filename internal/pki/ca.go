package pki

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"strings"
	"time"

	"loom/internal/models"
)

// Store — контракт хранилища PKI (gorm-репозиторий или in-memory).
type Store interface {
	GetOrCreateCA(ctx context.Context, name string, create func() (*models.CA, error)) (*models.CA, error)
	SaveCert(ctx context.Context, c *models.Certificate) error
	ActiveCert(ctx context.Context, deviceID uint, cn string) (*models.Certificate, error)
	RevokeCert(ctx context.Context, id uint, at time.Time) error
	RevokeDeviceCerts(ctx context.Context, deviceID uint, at time.Time) error
}

type Service struct {
	Store Store
	Now   func() time.Time
}

func New(store Store) *Service { return &Service{Store: store, Now: time.Now} }

// FormatCommonName раскрывает common_name_format:
// поддерживаются плейсхолдеры {mac_address} и {name}.
func FormatCommonName(format, mac, name string) string {
	if strings.TrimSpace(format) == "" {
		format = "{mac_address}-{name}"
	}
	cn := strings.ReplaceAll(format, "{mac_address}", strings.ToLower(mac))
	cn = strings.ReplaceAll(cn, "{name}", name)
	// CN в subject ограничен 64 символами
	if len(cn) > 64 {
		cn = cn[:64]
	}
	return cn
}

func (s *Service) EnsureRootCA(ctx context.Context, name string, ttl time.Duration) (*models.CA, error) {
	return s.Store.GetOrCreateCA(ctx, name, func() (*models.CA, error) {
		nb, na := s.Now().Add(-time.Hour), s.Now().Add(ttl)
		sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, err
		}
		serial, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
		tpl := &x509.Certificate{
			SerialNumber: serial,
			Subject:      pkix.Name{CommonName: name},
			NotBefore:    nb, NotAfter: na,
			KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
			BasicConstraintsValid: true, IsCA: true, MaxPathLenZero: true,
		}
		der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &sk.PublicKey, sk)
		if err != nil {
			return nil, err
		}
		certPEM, keyPEM := encodePair(der, sk)
		return &models.CA{Name: name, CertPEM: certPEM, KeyPEM: keyPEM, NotBefore: nb, NotAfter: na}, nil
	})
}

// EnsureDeviceCert — идемпотентный выпуск клиентского сертификата устройства.
// Живой сертификат с тем же CN переиспользуется; отозванный или с другим CN
// (common_name_format поменялся, устройство переименовали) — выпускается заново.
func (s *Service) EnsureDeviceCert(ctx context.Context, ca *models.CA, deviceID uint, cn string, ttl time.Duration) (*models.Certificate, error) {
	if existing, err := s.Store.ActiveCert(ctx, deviceID, cn); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}
	return s.IssueDeviceCert(ctx, ca, cn, ttl, &deviceID)
}

func (s *Service) IssueDeviceCert(ctx context.Context, ca *models.CA, cn string, ttl time.Duration, deviceID *uint) (*models.Certificate, error) {
	nb, na := s.Now().Add(-time.Hour), s.Now().Add(ttl)
	sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	pb, _ := pem.Decode(ca.CertPEM)
	if pb == nil {
		return nil, fmt.Errorf("pki: CA %q has no certificate PEM", ca.Name)
	}
	parent, err := x509.ParseCertificate(pb.Bytes)
	if err != nil {
		return nil, err
	}
	kb, _ := pem.Decode(ca.KeyPEM)
	if kb == nil {
		return nil, fmt.Errorf("pki: CA %q has no key PEM", ca.Name)
	}
	cakey, err := x509.ParseECPrivateKey(kb.Bytes)
	if err != nil {
		return nil, err
	}
	serial, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	tpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    nb, NotAfter: na,
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, parent, &sk.PublicKey, cakey)
	if err != nil {
		return nil, err
	}
	certPEM, keyPEM := encodePair(der, sk)
	c := &models.Certificate{
		CAID: ca.ID, DeviceID: deviceID, CN: cn,
		Serial:  serial.Text(16),
		CertPEM: certPEM, KeyPEM: keyPEM,
		NotBefore: nb, NotAfter: na,
	}
	return c, s.Store.SaveCert(ctx, c)
}

// Revoke помечает сертификат отозванным.
func (s *Service) Revoke(ctx context.Context, c *models.Certificate) error {
	return s.Store.RevokeCert(ctx, c.ID, s.Now().UTC())
}

// RevokeForDevice отзывает все сертификаты устройства —
// вызывается при удалении устройства и при смене его ключа.
func (s *Service) RevokeForDevice(ctx context.Context, deviceID uint) error {
	return s.Store.RevokeDeviceCerts(ctx, deviceID, s.Now().UTC())
}

func encodePair(der []byte, sk *ecdsa.PrivateKey) (certPEM, keyPEM []byte) {
	var cb, kb bytes.Buffer
	_ = pem.Encode(&cb, &pem.Block{Type: "CERTIFICATE", Bytes: der})
	derKey, _ := x509.MarshalECPrivateKey(sk)
	_ = pem.Encode(&kb, &pem.Block{Type: "EC PRIVATE KEY", Bytes: derKey})
	return cb.Bytes(), kb.Bytes()
}
