package store

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/more-free/marathon-core/internal/apptype"
	"github.com/more-free/marathon-core/internal/coreerr"
)

// AppRepo persists apps under apps/<id>/<version-unix-nano>, with a
// "current" pointer node holding the live version's timestamp.
type AppRepo struct {
	client *Client
	root   string
}

func NewAppRepo(client *Client, root string) *AppRepo {
	return &AppRepo{client: client, root: root}
}

func (r *AppRepo) appDir(appID string) string {
	return r.root + "/" + sanitize(appID)
}

func (r *AppRepo) versionPath(appID string, version int64) string {
	return r.appDir(appID) + "/" + strconv.FormatInt(version, 10)
}

func (r *AppRepo) currentPath(appID string) string {
	return r.appDir(appID) + "/current"
}

// Put writes app as a new version and repoints "current" at it.
func (r *AppRepo) Put(ctx context.Context, app apptype.AppDefinition) error {
	data, err := json.Marshal(app)
	if err != nil {
		return coreerr.Wrap(coreerr.Unknown, "marshal app", err)
	}
	version := app.Version.UnixNano()
	if err := r.client.SetJSON(ctx, r.versionPath(app.ID.String(), version), data); err != nil {
		return err
	}
	return r.client.SetJSON(ctx, r.currentPath(app.ID.String()), []byte(strconv.FormatInt(version, 10)))
}

// Get returns the current version of an app.
func (r *AppRepo) Get(ctx context.Context, appID string) (apptype.AppDefinition, error) {
	versionBytes, err := r.client.GetJSON(ctx, r.currentPath(appID))
	if err != nil {
		return apptype.AppDefinition{}, coreerr.UnknownAppErr(appID)
	}
	version, err := strconv.ParseInt(string(versionBytes), 10, 64)
	if err != nil {
		return apptype.AppDefinition{}, coreerr.Wrap(coreerr.Unknown, "corrupt current pointer for "+appID, err)
	}
	data, err := r.client.GetJSON(ctx, r.versionPath(appID, version))
	if err != nil {
		return apptype.AppDefinition{}, coreerr.UnknownAppErr(appID)
	}
	var app apptype.AppDefinition
	if err := json.Unmarshal(data, &app); err != nil {
		return apptype.AppDefinition{}, coreerr.Wrap(coreerr.Unknown, "unmarshal app "+appID, err)
	}
	return app, nil
}

// Delete removes every stored version of an app.
func (r *AppRepo) Delete(ctx context.Context, appID string) error {
	return r.client.DeleteTree(ctx, r.appDir(appID))
}

// List returns the current version of every app in the repository.
func (r *AppRepo) List(ctx context.Context) ([]apptype.AppDefinition, error) {
	ids, err := r.client.Children(ctx, r.root)
	if err != nil {
		return nil, err
	}
	out := make([]apptype.AppDefinition, 0, len(ids))
	for _, encoded := range ids {
		app, err := r.Get(ctx, unsanitize(encoded))
		if err != nil {
			continue
		}
		out = append(out, app)
	}
	return out, nil
}
