package api

import (
	"context"
	"strings"
	"sync"
	"time"

	"naturecms/internal/server/database"
	"naturecms/internal/server/service"
)

// memUsers is an in-memory service.UserRepository.
type memUsers struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*database.User
}

func newMemUsers() *memUsers {
	return &memUsers{byID: map[int64]*database.User{}}
}

func (m *memUsers) add(email, password, role string, enabled bool) *database.User {
	hash, err := service.HashPassword(password)
	if err != nil {
		panic(err)
	}
	u := &database.User{Email: email, Name: "Ranger", PasswordHash: hash, Role: role, Enabled: enabled}
	if err := m.Create(context.Background(), u); err != nil {
		panic(err)
	}
	return u
}

func (m *memUsers) setEnabled(id int64, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[id].Enabled = enabled
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (*database.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.byID {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, database.ErrUserNotFound
}

func (m *memUsers) GetByID(_ context.Context, id int64) (*database.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return nil, database.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUsers) List(_ context.Context) ([]*database.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*database.User, 0, len(m.byID))
	for _, u := range m.byID {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memUsers) Create(_ context.Context, u *database.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if strings.EqualFold(existing.Email, u.Email) {
			return database.ErrEmailTaken
		}
	}
	m.nextID++
	u.ID = m.nextID
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	cp := *u
	m.byID[u.ID] = &cp
	return nil
}

func (m *memUsers) Update(_ context.Context, u *database.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[u.ID]
	if !ok {
		return database.ErrUserNotFound
	}
	cur.Name, cur.Role, cur.Enabled = u.Name, u.Role, u.Enabled
	return nil
}

func (m *memUsers) UpdatePassword(_ context.Context, id int64, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[id]
	if !ok {
		return database.ErrUserNotFound
	}
	cur.PasswordHash = hash
	return nil
}

func (m *memUsers) TouchLogin(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.byID[id]; ok {
		cur.LastLoginAt = &at
	}
	return nil
}

func (m *memUsers) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return database.ErrUserNotFound
	}
	delete(m.byID, id)
	return nil
}

// memFiles is an in-memory service.FileRepository.
type memFiles struct {
	mu      sync.Mutex
	nextID  int64
	records map[string]*database.UploadedFile
}

func newMemFiles() *memFiles {
	return &memFiles{records: map[string]*database.UploadedFile{}}
}

func (m *memFiles) Create(_ context.Context, rec *database.UploadedFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	rec.CreatedAt = time.Now()
	cp := *rec
	m.records[rec.Feature+"/"+rec.StorageName] = &cp
	return nil
}

func (m *memFiles) Get(_ context.Context, feature, name string) (*database.UploadedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[feature+"/"+name]
	if !ok {
		return nil, database.ErrFileNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memFiles) ListByFeature(_ context.Context, feature string) ([]*database.UploadedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*database.UploadedFile
	for _, rec := range m.records {
		if rec.Feature == feature {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memFiles) Delete(_ context.Context, feature, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[feature+"/"+name]; !ok {
		return database.ErrFileNotFound
	}
	delete(m.records, feature+"/"+name)
	return nil
}
