package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_WireShapes(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  string
	}{
		{"send text", SendText("hello"), `{"action":"sendtext","payload":{"message":"hello"}}`},
		{"get recipes", GetRecipes(), `{"action":"getrecipes","payload":""}`},
		{"get recipe", GetRecipe("wf-1"), `{"action":"getrecipe","payload":{"workflowId":"wf-1"}}`},
		{"start recipe", StartRecipe("wf-1"), `{"action":"startrecipe","payload":{"workflowId":"wf-1"}}`},
		{"task done", TaskDoneFrame("t-2"), `{"action":"taskdone","payload":{"taskId":"t-2"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.frame.Encode()
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		err  error
	}{
		{"not json", `hello`, ErrMalformed},
		{"array", `[1,2]`, ErrMalformed},
		{"missing type", `{"messageType":"text","payload":"hi"}`, ErrMalformed},
		{"response without subkind", `{"type":"response","payload":{}}`, ErrMalformed},
		{"unknown kind", `{"type":"ping"}`, ErrUnknownType},
		{"unknown subkind", `{"type":"response","messageType":"weather","payload":{}}`, ErrUnknownType},
		{"bad payload", `{"type":"response","messageType":"task_done","payload":"oops"}`, ErrMalformed},
		{"empty text", `{"type":"response","messageType":"text","payload":{}}`, ErrMalformed},
		{"legacy without content", `{"type":"message","data":{"sender":"agent","timestamp":"2024-01-01T00:00:00Z"}}`, ErrIncomplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.err)
			assert.Nil(t, msg)
		})
	}
}

func TestDecode_RecipesList(t *testing.T) {
	raw := `{"type":"response","messageType":"recipes_list","metadata":{"timestamp":"2024-05-01T12:00:00Z"},
		"payload":[{"workflowId":"wf-1","title":"Risotto","duration":35,"imageUrl":"r.jpg","intro":"Creamy"}]}`

	msg, err := Decode([]byte(raw))
	require.NoError(t, err)

	list, ok := msg.(*RecipesList)
	require.True(t, ok)
	assert.Equal(t, TypeRecipesList, list.MessageType())
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), list.Time())
	require.Len(t, list.Recipes, 1)
	assert.Equal(t, "wf-1", list.Recipes[0].WorkflowID)
	assert.Equal(t, Label("35"), list.Recipes[0].Duration)

	msg, err = Decode([]byte(`{"type":"response","messageType":"recipes_list","payload":{"workflows":[{"workflowId":"wf-2","title":"Soup"}],"message":"Here you go"}}`))
	require.NoError(t, err)
	list = msg.(*RecipesList)
	require.Len(t, list.Recipes, 1)
	assert.Equal(t, "Soup", list.Recipes[0].Title)
	assert.Equal(t, "Here you go", list.Message)
}

func TestDecode_RecipeDetail(t *testing.T) {
	raw := `{"type":"response","messageType":"recipe_detail","payload":{
		"status":"success","workflowId":"wf-1","title":"Risotto","duration":"35 min",
		"introText":"Stir a lot","ingredients":["rice","stock"],"utensils":["pot"],
		"tasks":[{"taskId":"t1","title":"Chop","imageUrl":"chop.jpg"},{"taskId":"t2","title":"Stir","mediaUrl":"stir.mp4","duration":10}]}}`

	msg, err := Decode([]byte(raw))
	require.NoError(t, err)
	d, ok := msg.(*RecipeDetail)
	require.True(t, ok)

	assert.False(t, d.Failed())
	assert.Equal(t, "wf-1", d.Detail.WorkflowID)
	assert.Equal(t, "Stir a lot", d.Detail.IntroOrText())
	assert.Equal(t, []string{"rice", "stock"}, d.Detail.Ingredients)
	require.Len(t, d.Detail.Tasks, 2)
	assert.Equal(t, "chop.jpg", d.Detail.Tasks[0].Media())
	assert.Equal(t, "stir.mp4", d.Detail.Tasks[1].Media())
	assert.Equal(t, Label("10"), d.Detail.Tasks[1].Duration)
}

func TestDecode_TaskDoneNextTasks(t *testing.T) {
	raw := `{"type":"response","messageType":"task_done","payload":{"status":"success","taskId":"t1","nextTasks":["t2",{"taskId":"t3","title":"Serve"}]}}`

	msg, err := Decode([]byte(raw))
	require.NoError(t, err)
	done, ok := msg.(*TaskDone)
	require.True(t, ok)

	assert.Equal(t, "t1", done.TaskID)
	assert.Equal(t, []TaskRef{{TaskID: "t2"}, {TaskID: "t3", Title: "Serve"}}, done.NextTasks)

	msg, err = Decode([]byte(`{"type":"response","messageType":"task_done","payload":{"status":"error","taskId":"t1","error":"no run"}}`))
	require.NoError(t, err)
	assert.True(t, msg.(*TaskDone).Failed())
}

func TestDecode_Text(t *testing.T) {
	for _, raw := range []string{
		`{"type":"response","messageType":"text","payload":"Hi there"}`,
		`{"type":"response","messageType":"text_message","payload":{"text":"Hi there"}}`,
		`{"type":"response","messageType":"text","payload":{"message":"Hi there"}}`,
	} {
		msg, err := Decode([]byte(raw))
		require.NoError(t, err, raw)
		reply, ok := msg.(*TextReply)
		require.True(t, ok)
		assert.Equal(t, "Hi there", reply.Text)
	}
}

func TestDecode_Notifications(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"response","messageType":"timed_task","payload":{"taskId":"t2","title":"Simmer","message":"Timer set","duration":"10 min"}}`))
	require.NoError(t, err)
	n, ok := msg.(*Notification)
	require.True(t, ok)
	assert.True(t, n.Timed())
	assert.Equal(t, "t2", n.TaskID)

	msg, err = Decode([]byte(`{"type":"response","messageType":"scheduled_task","payload":{"taskId":"t3","type":"reminder"}}`))
	require.NoError(t, err)
	n = msg.(*Notification)
	assert.False(t, n.Timed())
	assert.Equal(t, TypeScheduledTask, n.MessageType(), "payload type field must not override the subkind")
}

func TestDecode_PushVariants(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"response","messageType":"workflow_started","payload":{"workflowId":"wf-1","title":"Risotto","tasks":[{"taskId":"t1"}],"message":"Let's cook"}}`))
	require.NoError(t, err)
	ws := msg.(*WorkflowStarted)
	assert.Equal(t, "wf-1", ws.Detail.WorkflowID)
	assert.Equal(t, "Let's cook", ws.Message)

	msg, err = Decode([]byte(`{"type":"response","messageType":"workflow_finished","payload":{"workflowId":"wf-1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "wf-1", msg.(*WorkflowFinished).WorkflowID)

	msg, err = Decode([]byte(`{"type":"response","messageType":"next_task","payload":{"workflowId":"wf-1","taskId":"t2"}}`))
	require.NoError(t, err)
	assert.Equal(t, "t2", msg.(*NextTask).TaskID)

	msg, err = Decode([]byte(`{"type":"response","messageType":"timer_done","payload":{"taskId":"t2"}}`))
	require.NoError(t, err)
	assert.Equal(t, "t2", msg.(*TimerDone).TaskID)

	msg, err = Decode([]byte(`{"type":"response","messageType":"recipe_started","payload":{"status":"error","workflowId":"wf-1","error":"busy"}}`))
	require.NoError(t, err)
	started := msg.(*RecipeStarted)
	assert.True(t, started.Failed())
	assert.Equal(t, "busy", started.Error)
}

func TestDecode_Legacy(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"message","data":{"sender":"agent","content":"Watch this","timestamp":1714564800000,"type":"video","videoUrl":"v.mp4"}}`))
	require.NoError(t, err)
	l, ok := msg.(*Legacy)
	require.True(t, ok)

	assert.Equal(t, KindMessage, l.MessageType())
	assert.Equal(t, "video", l.EntryType)
	assert.Equal(t, "v.mp4", l.VideoURL)
	assert.Equal(t, time.UnixMilli(1714564800000).UTC(), l.SentTime())
}
