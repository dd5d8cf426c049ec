package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"naturecms/internal/server/database"
)

type fakeUsers struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*database.User
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{byID: map[int64]*database.User{}}
}

func (f *fakeUsers) add(email, password, role string, enabled bool) *database.User {
	hash, err := HashPassword(password)
	if err != nil {
		panic(err)
	}
	u := &database.User{Email: email, Name: "User " + email, PasswordHash: hash, Role: role, Enabled: enabled}
	if err := f.Create(context.Background(), u); err != nil {
		panic(err)
	}
	return u
}

func (f *fakeUsers) GetByEmail(_ context.Context, email string) (*database.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.byID {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, database.ErrUserNotFound
}

func (f *fakeUsers) GetByID(_ context.Context, id int64) (*database.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.byID[id]
	if !ok {
		return nil, database.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (f *fakeUsers) List(_ context.Context) ([]*database.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*database.User
	for _, u := range f.byID {
		cp := *u
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeUsers) Create(_ context.Context, u *database.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.byID {
		if strings.EqualFold(existing.Email, u.Email) {
			return database.ErrEmailTaken
		}
	}
	f.nextID++
	u.ID = f.nextID
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	cp := *u
	f.byID[u.ID] = &cp
	return nil
}

func (f *fakeUsers) Update(_ context.Context, u *database.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.byID[u.ID]
	if !ok {
		return database.ErrUserNotFound
	}
	cur.Name, cur.Role, cur.Enabled = u.Name, u.Role, u.Enabled
	return nil
}

func (f *fakeUsers) UpdatePassword(_ context.Context, id int64, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.byID[id]
	if !ok {
		return database.ErrUserNotFound
	}
	cur.PasswordHash = hash
	return nil
}

func (f *fakeUsers) TouchLogin(_ context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.byID[id]; ok {
		cur.LastLoginAt = &at
	}
	return nil
}

func (f *fakeUsers) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[id]; !ok {
		return database.ErrUserNotFound
	}
	delete(f.byID, id)
	return nil
}

type fakeFiles struct {
	mu        sync.Mutex
	nextID    int64
	records   map[string]*database.UploadedFile
	createErr error
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{records: map[string]*database.UploadedFile{}}
}

func (f *fakeFiles) Create(_ context.Context, rec *database.UploadedFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.nextID++
	rec.ID = f.nextID
	rec.CreatedAt = time.Now()
	cp := *rec
	f.records[rec.Feature+"/"+rec.StorageName] = &cp
	return nil
}

func (f *fakeFiles) Get(_ context.Context, feature, name string) (*database.UploadedFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[feature+"/"+name]
	if !ok {
		return nil, database.ErrFileNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeFiles) ListByFeature(_ context.Context, feature string) ([]*database.UploadedFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*database.UploadedFile
	for _, rec := range f.records {
		if rec.Feature == feature {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeFiles) Delete(_ context.Context, feature, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[feature+"/"+name]; !ok {
		return database.ErrFileNotFound
	}
	delete(f.records, feature+"/"+name)
	return nil
}

type fakeRevoker struct {
	mu    sync.Mutex
	calls []int64
	err   error
}

func (f *fakeRevoker) DestroyByUserID(_ context.Context, userID int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID)
	if f.err != nil {
		return 0, f.err
	}
	return 1, nil
}

type published struct {
	subject string
	payload any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, published{subject: subject, payload: v})
	return nil
}

var errBoom = errors.New("boom")
