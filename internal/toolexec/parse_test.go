package toolexec

import "testing"

func TestParseCallStrictJSON(t *testing.T) {
	c, err := ParseCall(`{"name":"read_file","arguments":{"path":"a.txt"}}`)
	if err != nil {
		t.Fatalf("ParseCall: %v", err)
	}
	if c.Name != "read_file" || c.Args["path"] != "a.txt" {
		t.Fatalf("unexpected call: %+v", c)
	}
}

func TestParseCallJSONArray(t *testing.T) {
	c, err := ParseCall(`[{"name":"list_directory","arguments":{"path":"."}}]`)
	if err != nil {
		t.Fatalf("ParseCall: %v", err)
	}
	if c.Name != "list_directory" {
		t.Fatalf("unexpected call: %+v", c)
	}
}

func TestParseCallCommaForm(t *testing.T) {
	c, err := ParseCall(`read_file,{"path":"a.txt"}`)
	if err != nil {
		t.Fatalf("ParseCall: %v", err)
	}
	if c.Name != "read_file" || c.Args["path"] != "a.txt" {
		t.Fatalf("unexpected call: %+v", c)
	}
}

func TestParseCallConcatForm(t *testing.T) {
	c, err := ParseCall(`write_file{"path":"a.txt","content":"hi"}`)
	if err != nil {
		t.Fatalf("ParseCall: %v", err)
	}
	if c.Name != "write_file" || c.Args["content"] != "hi" {
		t.Fatalf("unexpected call: %+v", c)
	}
}

func TestParseCallXMLForm(t *testing.T) {
	c, err := ParseCall(`<function=execute_command> <parameter=command> ls -la </parameter> </function>`)
	if err != nil {
		t.Fatalf("ParseCall: %v", err)
	}
	if c.Name != "execute_command" || c.Args["command"] != "ls -la" {
		t.Fatalf("unexpected call: %+v", c)
	}
}

func TestParseCallUnrecognizedShapeErrors(t *testing.T) {
	if _, err := ParseCall("not a tool call at all"); err == nil {
		t.Fatalf("expected error for unrecognized shape")
	}
}

func TestParseCallTriesShapesInOrder(t *testing.T) {
	// Strict JSON must win over comma-form even though a comma appears
	// inside the JSON body.
	c, err := ParseCall(`{"name":"list_directory","arguments":{"path":"a","recursive":true}}`)
	if err != nil {
		t.Fatalf("ParseCall: %v", err)
	}
	if c.Name != "list_directory" {
		t.Fatalf("expected strict JSON shape to win, got %+v", c)
	}
}
