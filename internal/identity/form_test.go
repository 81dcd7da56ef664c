package identity

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateForm(t *testing.T) {
	tests := []struct {
		name        string
		form        Form
		wantFields  []string
		wantContact string
	}{
		{name: "email", form: Form{Name: "Ana", Contact: "ana@x.com"}, wantContact: "ana@x.com"},
		{name: "trimmed", form: Form{Name: "  Ana ", Contact: " ana@x.com "}, wantContact: "ana@x.com"},
		{name: "phone with punctuation", form: Form{Name: "Ana", Contact: "+55 (11) 99999-0000"}, wantContact: "+5511999990000"},
		{name: "missing name", form: Form{Contact: "ana@x.com"}, wantFields: []string{"name"}},
		{name: "blank name", form: Form{Name: "   ", Contact: "ana@x.com"}, wantFields: []string{"name"}},
		{name: "missing both", form: Form{}, wantFields: []string{"name", "contact"}},
		{name: "bad contact", form: Form{Name: "Ana", Contact: "not-a-contact"}, wantFields: []string{"contact"}},
		{name: "long name", form: Form{Name: strings.Repeat("a", 81), Contact: "ana@x.com"}, wantFields: []string{"name"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateForm(tt.form)
			if len(tt.wantFields) == 0 {
				require.NoError(t, err)
				assert.Equal(t, tt.wantContact, got.Contact)
				return
			}
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "want *ValidationError, got %v", err)
			assert.Len(t, ve.Fields, len(tt.wantFields))
			for _, f := range tt.wantFields {
				assert.Contains(t, ve.Fields, f)
			}
		})
	}
}

func TestValidationError_Message(t *testing.T) {
	_, err := ValidateForm(Form{})
	require.Error(t, err)
	assert.Equal(t, "identity: invalid form: contact: is required; name: is required", err.Error())
}
