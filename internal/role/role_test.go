package role

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyPrecedence(t *testing.T) {
	cases := []struct {
		labels []string
		want   Class
	}{
		{[]string{"client"}, Client},
		{[]string{"Designer"}, Collaborator},
		{[]string{" OWNER "}, Admin},
		{[]string{"client", "collaborator"}, Collaborator},
		{[]string{"client", "admin", "editor"}, Admin},
		{[]string{"guest"}, Unclassified},
		{nil, Unclassified},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.labels), "labels %v", tc.labels)
	}
}

func TestCustomLabels(t *testing.T) {
	c := NewClassifier(Labels{Admin: []string{"Staff"}, Client: []string{"customer", "staff"}})
	assert.Equal(t, Admin, c.Classify([]string{"staff"}))
	assert.Equal(t, Client, c.Classify([]string{"Customer"}))
	assert.Equal(t, Unclassified, c.Classify([]string{"admin"}))
}

func TestActorActsForClient(t *testing.T) {
	client := Actor{SubjectID: "u1", Class: Client, ClientID: "c1"}
	assert.True(t, client.ActsForClient("c1"))
	assert.False(t, client.ActsForClient("c2"))

	admin := Actor{SubjectID: "a1", Class: Admin}
	assert.False(t, admin.ActsForClient("c1"))
	admin.ViewingClientID = "c1"
	assert.True(t, admin.ActsForClient("c1"))

	collab := Actor{SubjectID: "k1", Class: Collaborator, ViewingClientID: "c1"}
	assert.False(t, collab.ActsForClient("c1"))
	assert.Equal(t, "", collab.EffectiveClientID())
	assert.False(t, Actor{Class: Admin}.Classified())
}
