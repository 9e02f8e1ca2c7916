package store

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// unmarshalItems decodes each item's JSON value into a fresh element
// appended to the slice dst points to. dst must be *[]T for some T.
func unmarshalItems(items []Item, dst interface{}) error {
	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("unmarshalItems: dst must be a pointer to a slice")
	}

	slice := v.Elem()
	elemType := slice.Type().Elem()

	out := reflect.MakeSlice(slice.Type(), 0, len(items))
	for _, item := range items {
		elemPtr := reflect.New(elemType)
		if err := json.Unmarshal(item.Value, elemPtr.Interface()); err != nil {
			return fmt.Errorf("unmarshal %s: %w", item.Key, err)
		}
		out = reflect.Append(out, elemPtr.Elem())
	}

	slice.Set(out)
	return nil
}
