package repo

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"loom/internal/models"
)

// MemStore — in-memory хранилище на случай работы без БД (database.driver = "")
// и для тестов. Реализует те же поверхности, что и gorm-репозитории:
// устройства, шаблоны, VPN, PKI.
type MemStore struct {
	mu sync.RWMutex

	nextID  uint
	devices map[string]*models.Device // uuid → device
	byMAC   map[string]string         // mac → uuid

	templates map[uint]*models.Template
	links     map[uint][]models.DeviceTemplate // deviceID → links (sorted)

	vpns  map[uint]*models.VPN
	peers map[uint]*models.WireGuardPeer // deviceID → peer

	cas   map[string]*models.CA
	certs []*models.Certificate
}

func NewMemStore() *MemStore {
	return &MemStore{
		devices:   map[string]*models.Device{},
		byMAC:     map[string]string{},
		templates: map[uint]*models.Template{},
		links:     map[uint][]models.DeviceTemplate{},
		vpns:      map[uint]*models.VPN{},
		peers:     map[uint]*models.WireGuardPeer{},
		cas:       map[string]*models.CA{},
	}
}

func (m *MemStore) id() uint { m.nextID++; return m.nextID }

/* ───── устройства ───── */

func (m *MemStore) Register(_ context.Context, in RegisterInput) (*RegisterResult, error) {
	if !in.Enabled {
		return nil, ErrRegistrationDisabled
	}
	if strings.TrimSpace(in.ExpectedSecret) != "" && in.SharedSecret != in.ExpectedSecret {
		return nil, ErrBadSecret
	}
	mac := strings.ToLower(strings.TrimSpace(in.MAC))
	if mac == "" {
		return nil, errors.New("mac_address required")
	}
	key := strings.TrimSpace(in.KeyOptional)
	if key == "" {
		if in.ConsistentKey {
			key = ConsistentKey(mac, in.ExpectedSecret)
		} else {
			h := md5.Sum([]byte(uuid.NewString()))
			key = hex.EncodeToString(h[:])
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byMAC[mac]; ok {
		d := m.devices[id]
		rotated := false
		if in.Name != "" {
			d.Name = in.Name
		}
		if in.Backend != "" {
			d.Backend = in.Backend
		}
		if key != d.Key {
			d.Key = key
			rotated = true
		}
		d.UpdatedAt = time.Now().UTC()
		return &RegisterResult{DeviceID: d.ID, UUID: d.UUID, Key: d.Key, Name: d.Name, KeyRotated: rotated}, nil
	}
	d := &models.Device{
		ID: m.id(), UUID: uuid.NewString(),
		Name: in.Name, Backend: in.Backend, MAC: mac, Key: key,
		Status: models.StatusModified,
	}
	m.devices[d.UUID] = d
	m.byMAC[mac] = d.UUID
	return &RegisterResult{DeviceID: d.ID, UUID: d.UUID, Key: d.Key, Name: d.Name, IsNew: true}, nil
}

func (m *MemStore) validateKey(uuid, key string) (*models.Device, error) {
	d, ok := m.devices[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	if key == "" || key != d.Key {
		return nil, ErrUnauthorized
	}
	return d, nil
}

func (m *MemStore) GetChecksum(_ context.Context, uuid, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, err := m.validateKey(uuid, key)
	if err != nil {
		return "", err
	}
	if len(d.ConfigArchive) == 0 || d.ConfigChecksum == "" {
		return "", ErrNotFound
	}
	return d.ConfigChecksum, nil
}

func (m *MemStore) GetConfig(_ context.Context, uuid, key string) ([]byte, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, err := m.validateKey(uuid, key)
	if err != nil {
		return nil, "", err
	}
	if len(d.ConfigArchive) == 0 {
		return nil, "", ErrNotFound
	}
	return d.ConfigArchive, d.ConfigChecksum, nil
}

func (m *MemStore) ReportStatus(_ context.Context, uuid, key, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.validateKey(uuid, key)
	if err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(status)) {
	case models.StatusRunning, models.StatusError:
		d.Status = strings.ToLower(strings.TrimSpace(status))
	default:
		return ErrBadStatus
	}
	now := time.Now().UTC()
	d.LastSeenAt = &now
	return nil
}

func (m *MemStore) RecordIP(_ context.Context, uuid, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[uuid]; ok {
		now := time.Now().UTC()
		d.LastIP = ip
		d.LastSeenAt = &now
	}
	return nil
}

func (m *MemStore) GetByUUID(_ context.Context, uuid string) (*models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemStore) PutArchive(_ context.Context, uuid string, tarGz []byte, checksum string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[uuid]
	if !ok {
		return ErrNotFound
	}
	d.ConfigArchive = tarGz
	d.ConfigChecksum = checksum
	d.ConfigVersion = version
	d.Status = models.StatusModified
	now := time.Now().UTC()
	d.ConfigUpdatedAt = &now
	return nil
}

func (m *MemStore) List(_ context.Context, limit int) ([]models.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) Create(_ context.Context, d *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.MAC = strings.ToLower(d.MAC)
	if _, dup := m.byMAC[d.MAC]; dup {
		return errors.New("duplicate mac")
	}
	if d.UUID == "" {
		d.UUID = uuid.NewString()
	}
	if d.Status == "" {
		d.Status = models.StatusModified
	}
	d.ID = m.id()
	m.devices[d.UUID] = d
	m.byMAC[d.MAC] = d.UUID
	return nil
}

func (m *MemStore) Save(_ context.Context, d *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// при смене MAC старый ключ индекса не должен остаться висеть
	if old, ok := m.devices[d.UUID]; ok && old.MAC != d.MAC {
		delete(m.byMAC, old.MAC)
	}
	m.devices[d.UUID] = d
	m.byMAC[d.MAC] = d.UUID
	return nil
}

func (m *MemStore) Delete(_ context.Context, uuid string) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[uuid]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.devices, uuid)
	delete(m.byMAC, d.MAC)
	delete(m.links, d.ID)
	return d, nil
}

/* ───── шаблоны ───── */

func (m *MemStore) SaveTemplate(_ context.Context, t *models.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == 0 {
		t.ID = m.id()
	}
	if t.UUID == "" {
		t.UUID = uuid.NewString()
	}
	m.templates[t.ID] = t
	return nil
}

func (m *MemStore) ListTemplates(_ context.Context) ([]models.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Template, 0, len(m.templates))
	for _, t := range m.templates {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) Assign(_ context.Context, deviceID uint, templateIDs []uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	links := make([]models.DeviceTemplate, 0, len(templateIDs))
	for i, tid := range templateIDs {
		links = append(links, models.DeviceTemplate{DeviceID: deviceID, TemplateID: tid, SortOrder: i})
	}
	m.links[deviceID] = links
	return nil
}

// ForDevice повторяет семантику TemplateStore.ForDevice:
// defaults (id ASC), затем назначенные по порядку, без дубликатов.
func (m *MemStore) ForDevice(_ context.Context, deviceID uint) ([]models.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var defaults []models.Template
	for _, t := range m.templates {
		if t.Default {
			defaults = append(defaults, *t)
		}
	}
	sort.Slice(defaults, func(i, j int) bool { return defaults[i].ID < defaults[j].ID })

	out := make([]models.Template, 0, len(defaults))
	seen := map[uint]struct{}{}
	for _, t := range defaults {
		seen[t.ID] = struct{}{}
		out = append(out, t)
	}
	for _, l := range m.links[deviceID] {
		if _, ok := seen[l.TemplateID]; ok {
			continue
		}
		if t, ok := m.templates[l.TemplateID]; ok {
			seen[t.ID] = struct{}{}
			out = append(out, *t)
		}
	}
	return out, nil
}

/* ───── VPN ───── */

func (m *MemStore) SaveVPN(_ context.Context, v *models.VPN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v.ID == 0 {
		v.ID = m.id()
	}
	m.vpns[v.ID] = v
	return nil
}

func (m *MemStore) Get(_ context.Context, id uint) (*models.VPN, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vpns[id]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (m *MemStore) EnsureWGPeer(_ context.Context, deviceID, vpnID uint, create func() (*models.WireGuardPeer, error)) (*models.WireGuardPeer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.peers[deviceID]; ok {
		cp := *p
		return &cp, nil
	}
	p, err := create()
	if err != nil {
		return nil, err
	}
	p.ID = m.id()
	p.DeviceID = deviceID
	p.VPNID = vpnID
	m.peers[deviceID] = p
	cp := *p
	return &cp, nil
}

/* ───── PKI ───── */

func (m *MemStore) GetOrCreateCA(_ context.Context, name string, create func() (*models.CA, error)) (*models.CA, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ca, ok := m.cas[name]; ok {
		return ca, nil
	}
	ca, err := create()
	if err != nil {
		return nil, err
	}
	ca.ID = m.id()
	m.cas[name] = ca
	return ca, nil
}

func (m *MemStore) SaveCert(_ context.Context, c *models.Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.id()
	m.certs = append(m.certs, c)
	return nil
}

func (m *MemStore) ActiveCert(_ context.Context, deviceID uint, cn string) (*models.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.certs) - 1; i >= 0; i-- {
		c := m.certs[i]
		if c.DeviceID != nil && *c.DeviceID == deviceID && c.CN == cn &&
			c.RevokedAt == nil && c.NotAfter.After(time.Now().UTC()) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemStore) RevokeCert(_ context.Context, id uint, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.certs {
		if c.ID == id && c.RevokedAt == nil {
			t := at
			c.RevokedAt = &t
		}
	}
	return nil
}

func (m *MemStore) RevokeDeviceCerts(_ context.Context, deviceID uint, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.certs {
		if c.DeviceID != nil && *c.DeviceID == deviceID && c.RevokedAt == nil {
			t := at
			c.RevokedAt = &t
		}
	}
	return nil
}

// MemTemplateStore и MemVPNStore приводят MemStore к интерфейсам API:
// имена методов MemStore различают сущности (SaveTemplate, SaveVPN),
// а интерфейсы ожидают Save/List/Get/Delete.

type MemTemplateStore struct{ M *MemStore }

func (s MemTemplateStore) List(ctx context.Context) ([]models.Template, error) {
	return s.M.ListTemplates(ctx)
}

func (s MemTemplateStore) Get(_ context.Context, id uint) (*models.Template, error) {
	s.M.mu.RLock()
	defer s.M.mu.RUnlock()
	t, ok := s.M.templates[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s MemTemplateStore) Save(ctx context.Context, t *models.Template) error {
	return s.M.SaveTemplate(ctx, t)
}

func (s MemTemplateStore) Delete(_ context.Context, id uint) error {
	s.M.mu.Lock()
	defer s.M.mu.Unlock()
	delete(s.M.templates, id)
	for devID, links := range s.M.links {
		kept := links[:0]
		for _, l := range links {
			if l.TemplateID != id {
				kept = append(kept, l)
			}
		}
		s.M.links[devID] = kept
	}
	return nil
}

func (s MemTemplateStore) Assign(ctx context.Context, deviceID uint, templateIDs []uint) error {
	return s.M.Assign(ctx, deviceID, templateIDs)
}

func (s MemTemplateStore) ForDevice(ctx context.Context, deviceID uint) ([]models.Template, error) {
	return s.M.ForDevice(ctx, deviceID)
}

type MemVPNStore struct{ M *MemStore }

func (s MemVPNStore) Get(ctx context.Context, id uint) (*models.VPN, error) {
	return s.M.Get(ctx, id)
}

func (s MemVPNStore) List(_ context.Context) ([]models.VPN, error) {
	s.M.mu.RLock()
	defer s.M.mu.RUnlock()
	out := make([]models.VPN, 0, len(s.M.vpns))
	for _, v := range s.M.vpns {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s MemVPNStore) Save(ctx context.Context, v *models.VPN) error {
	return s.M.SaveVPN(ctx, v)
}

func (s MemVPNStore) EnsureWGPeer(ctx context.Context, deviceID, vpnID uint, create func() (*models.WireGuardPeer, error)) (*models.WireGuardPeer, error) {
	return s.M.EnsureWGPeer(ctx, deviceID, vpnID, create)
}
