package entitlement

import (
	"fmt"
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestSerializationFailuresAreRetriable(t *testing.T) {
	assert.True(t, isSerializationFailure(&pq.Error{Code: "40001"}))
	assert.True(t, isSerializationFailure(&pq.Error{Code: "40P01"}))
	assert.True(t, isSerializationFailure(fmt.Errorf("commit: %w", &pq.Error{Code: "40001"})))

	assert.False(t, isSerializationFailure(&pq.Error{Code: "23505"}))
	assert.False(t, isSerializationFailure(assert.AnError))
	assert.False(t, isSerializationFailure(nil))
}
