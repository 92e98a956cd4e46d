package binding

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/fnhost/internal/storage"
)

// TagBlob reads an object from the storage backend as a []byte argument.
const TagBlob = "blob"

// BlobInputProvider binds the object named by the "key" attribute. A missing
// object binds as nil unless the "required" attribute is "true".
func BlobInputProvider(backend storage.Backend) Provider {
	return func(param Parameter) (Binding, error) {
		key := param.Attr("key")
		if key == "" {
			return nil, fmt.Errorf("key attribute required")
		}
		required := param.Attr("required") == "true"
		return BindingFunc(func(ctx context.Context, _ any, _ Context) (ValueProvider, error) {
			obj, err := backend.Get(ctx, key)
			if errors.Is(err, storage.ErrNotFound) && !required {
				return StaticValue{V: []byte(nil), Display: "blob " + key + " (missing)"}, nil
			}
			if err != nil {
				return nil, fmt.Errorf("binding: read blob %s: %w", key, err)
			}
			return StaticValue{V: obj.Data, Display: fmt.Sprintf("blob %s (etag %s)", key, obj.ETag)}, nil
		}), nil
	}
}
