package replication

import "testing"

func TestFrameRoundTrip(t *testing.T) {
	batch := WALRecordBatch{Records: [][]byte{[]byte("r1"), []byte("r2")}, FromSeq: 1, ToSeq: 2}
	var buf []byte
	{
		f := Frame{Type: MsgWALBatch, Term: 3}
		payload, err := encodeBatch(batch)
		if err != nil {
			t.Fatal(err)
		}
		f.Payload = payload
		encoded, err := encodeFrame(f)
		if err != nil {
			t.Fatal(err)
		}
		buf = encoded
	}

	decoded, err := decodeFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.Type != MsgWALBatch || decoded.Term != 3 {
		t.Fatalf("decoded frame = %+v", decoded)
	}
	gotBatch, err := decodeBatch(decoded.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(gotBatch.Records) != 2 || string(gotBatch.Records[0]) != "r1" {
		t.Errorf("decoded batch = %+v", gotBatch)
	}
}

func TestRoleString(t *testing.T) {
	if RoleMaster.String() != "master" || RoleFollower.String() != "follower" || RoleCandidate.String() != "candidate" {
		t.Fatal("Role.String() mismatch")
	}
}
