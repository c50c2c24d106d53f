package store

import "context"

// FrameworkIDStore persists the framework id at framework-id, so a
// restarted scheduler re-registers under the same id instead of
// losing its running tasks.
type FrameworkIDStore struct {
	client *Client
	path   string
}

func NewFrameworkIDStore(client *Client, root string) *FrameworkIDStore {
	return &FrameworkIDStore{client: client, path: root + "/framework-id"}
}

func (s *FrameworkIDStore) Put(ctx context.Context, id string) error {
	return s.client.SetJSON(ctx, s.path, []byte(id))
}

func (s *FrameworkIDStore) Get(ctx context.Context) (string, bool, error) {
	data, err := s.client.GetJSON(ctx, s.path)
	if err != nil {
		return "", false, nil
	}
	return string(data), true, nil
}

func (s *FrameworkIDStore) Delete(ctx context.Context) error {
	return s.client.Delete(ctx, s.path)
}
