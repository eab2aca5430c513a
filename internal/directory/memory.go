package directory

import (
	"context"
	"sync"

	"messattend/internal/model"
)

// Memory is an in-process directory for dev mode and tests.
type Memory struct {
	mu            sync.Mutex
	users         map[string]model.User
	messes        map[string]model.Mess
	subscriptions []model.Subscription
	confirmations map[string]model.MealConfirmation
	stations      map[string]struct{}
}

// NewMemory creates an empty directory.
func NewMemory() *Memory {
	return &Memory{
		users:         make(map[string]model.User),
		messes:        make(map[string]model.Mess),
		confirmations: make(map[string]model.MealConfirmation),
	}
}

func confKey(userID, messID, day string, meal model.Meal) string {
	return userID + "|" + messID + "|" + day + "|" + string(meal)
}

// PutUser seeds or replaces a user.
func (m *Memory) PutUser(u model.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// PutMess seeds or replaces a mess.
func (m *Memory) PutMess(mess model.Mess) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messes[mess.ID] = mess
}

// PutSubscription seeds a subscription.
func (m *Memory) PutSubscription(s model.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions = append(m.subscriptions, s)
}

// PutConfirmation seeds or replaces a meal confirmation.
func (m *Memory) PutConfirmation(c model.MealConfirmation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmations[confKey(c.UserID, c.MessID, c.Day, c.Meal)] = c
}

func (m *Memory) GetUser(_ context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return &u, nil
	}
	return nil, nil
}

func (m *Memory) GetMess(_ context.Context, id string) (*model.Mess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mess, ok := m.messes[id]; ok {
		return &mess, nil
	}
	return nil, nil
}

func (m *Memory) FindActiveSubscription(_ context.Context, userID, messID, day string) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.subscriptions) - 1; i >= 0; i-- {
		s := m.subscriptions[i]
		if s.UserID == userID && s.MessID == messID && s.Paid && s.Covers(day) {
			return &s, nil
		}
	}
	return nil, nil
}

func (m *Memory) GetConfirmation(_ context.Context, userID, messID, day string, meal model.Meal) (*model.MealConfirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.confirmations[confKey(userID, messID, day, meal)]; ok {
		return &c, nil
	}
	return nil, nil
}

// MarkAttended flips a confirmed entry to attended. The memory ledger calls
// this as its stand-in for the transactional flip the Postgres ledger does.
func (m *Memory) MarkAttended(_ context.Context, userID, messID, day string, meal model.Meal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := confKey(userID, messID, day, meal)
	if c, ok := m.confirmations[key]; ok && c.Status == model.ConfirmationConfirmed {
		c.Status = model.ConfirmationAttended
		m.confirmations[key] = c
	}
	return nil
}
