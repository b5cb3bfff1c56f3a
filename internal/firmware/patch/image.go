package patch

import "bytes"

// Image is a named, mutable firmware component buffer.
type Image struct {
	// name is the logical component name, e.g. "kernelcache".
	name string
	// data is owned by the image; callers hand it over on construction.
	data []byte
}

// NewImage wraps data, taking ownership of the slice.
func NewImage(name string, data []byte) *Image {
	return &Image{
		name: name,
		data: data,
	}
}

// Name returns the logical component name.
func (i *Image) Name() string { return i.name }

// Len returns the image size in bytes.
func (i *Image) Len() int { return len(i.data) }

// Bytes returns a copy of the current contents.
func (i *Image) Bytes() []byte { return bytes.Clone(i.data) }
