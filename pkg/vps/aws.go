// Package vps launches and bootstraps a server VM on EC2, for operators who
// want a one-command hosted endpoint instead of managing their own box.
package vps

import (
	"fmt"
	"net"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	"golang.org/x/crypto/ssh"

	"github.com/burrowvpn/burrow/pkg/log"
)

const (
	region       = "us-east-2"
	instanceName = "burrow"
	serverPort   = 9001

	// Bootstrap run over SSH once the VM is reachable: enable forwarding,
	// install the server binary and start it with a default config.
	bootstrap = `
	sudo sysctl -w net.ipv4.ip_forward=1
	curl -fsSL https://github.com/burrowvpn/burrow/releases/latest/download/burrow-linux-amd64 -o /tmp/burrow
	sudo install -m 0755 /tmp/burrow /usr/local/bin/burrow
	sudo mkdir -p /etc/burrow
	printf 'subnet: 10.8.0.0/24\nusers_file: /etc/burrow/users\n' | sudo tee /etc/burrow/server.yaml
	sudo touch /etc/burrow/users
	sudo sh -c 'nohup /usr/local/bin/burrow server --config /etc/burrow/server.yaml >/var/log/burrow.log 2>&1 &'
`
)

func newEC2() (*ec2.EC2, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, err
	}
	return ec2.New(sess), nil
}

func findRunningVM(svc *ec2.EC2) ([]*ec2.Instance, error) {
	result, err := svc.DescribeInstances(&ec2.DescribeInstancesInput{
		Filters: []*ec2.Filter{
			{
				Name:   aws.String("tag:name"),
				Values: []*string{aws.String(instanceName)},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	var instances []*ec2.Instance
	for _, reservation := range result.Reservations {
		vm := reservation.Instances[0]
		if *vm.State.Code == 16 { // running
			instances = append(instances, vm)
		}
	}
	return instances, nil
}

func createKey(svc *ec2.EC2) ([]byte, error) {
	log.LOG.Infof("creating key pair for vm")
	result, err := svc.CreateKeyPair(&ec2.CreateKeyPairInput{
		KeyName: aws.String(instanceName),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == "InvalidKeyPair.Duplicate" {
			deleteKey(svc)
			return createKey(svc)
		}
		return nil, fmt.Errorf("create key pair %s: %w", instanceName, err)
	}
	return []byte(*result.KeyMaterial), nil
}

func deleteKey(svc *ec2.EC2) {
	svc.DeleteKeyPair(&ec2.DeleteKeyPairInput{
		KeyName: aws.String(instanceName),
	})
}

func createSc(svc *ec2.EC2) error {
	deleteSc(svc)

	log.LOG.Infof("creating security group for vm")
	result, err := svc.DescribeVpcs(nil)
	if err != nil {
		return fmt.Errorf("describe VPCs: %w", err)
	}
	if len(result.Vpcs) == 0 {
		return fmt.Errorf("no VPC to associate the security group with")
	}
	vpcID := aws.StringValue(result.Vpcs[0].VpcId)
	_, err = svc.CreateSecurityGroup(&ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(instanceName),
		Description: aws.String(instanceName),
		VpcId:       aws.String(vpcID),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == "InvalidGroup.Duplicate" {
			deleteSc(svc)
			return createSc(svc)
		}
		return err
	}

	// Only SSH for the bootstrap and the tunnel port itself.
	_, err = svc.AuthorizeSecurityGroupIngress(&ec2.AuthorizeSecurityGroupIngressInput{
		GroupName: aws.String(instanceName),
		IpPermissions: []*ec2.IpPermission{
			(&ec2.IpPermission{}).
				SetIpProtocol("tcp").
				SetFromPort(22).
				SetToPort(22).
				SetIpRanges([]*ec2.IpRange{{CidrIp: aws.String("0.0.0.0/0")}}),
			(&ec2.IpPermission{}).
				SetIpProtocol("udp").
				SetFromPort(serverPort).
				SetToPort(serverPort).
				SetIpRanges([]*ec2.IpRange{{CidrIp: aws.String("0.0.0.0/0")}}),
		},
	})
	return err
}

func deleteSc(svc *ec2.EC2) {
	_, err := svc.DeleteSecurityGroup(&ec2.DeleteSecurityGroupInput{
		GroupName: aws.String(instanceName),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == "DependencyViolation" {
			log.LOG.Infof("waiting for old vm to go away")
			time.Sleep(5 * time.Second)
		}
	}
}

// StartInstance terminates any previous VM, launches a fresh one and
// bootstraps the server over SSH.
func StartInstance() error {
	svc, err := newEC2()
	if err != nil {
		return err
	}

	vms, err := findRunningVM(svc)
	if err != nil {
		return err
	}
	for _, vm := range vms {
		svc.TerminateInstances(&ec2.TerminateInstancesInput{
			InstanceIds: []*string{vm.InstanceId},
		})
	}

	if err := createSc(svc); err != nil {
		return err
	}

	key, err := createKey(svc)
	if err != nil {
		return err
	}
	log.LOG.Infof("ssh private key:\n%s", string(key))
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return err
	}
	sshConfig := &ssh.ClientConfig{
		User:    "ubuntu",
		Timeout: 10 * time.Second,
		Auth:    []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			return nil
		},
	}

	runResult, err := svc.RunInstances(&ec2.RunInstancesInput{
		ImageId:        aws.String("ami-0653e888ec96eab9b"),
		InstanceType:   aws.String("t3.nano"),
		MinCount:       aws.Int64(1),
		MaxCount:       aws.Int64(1),
		KeyName:        aws.String(instanceName),
		SecurityGroups: []*string{aws.String(instanceName)},
	})
	if err != nil {
		return err
	}

	_, err = svc.CreateTags(&ec2.CreateTagsInput{
		Resources: []*string{runResult.Instances[0].InstanceId},
		Tags: []*ec2.Tag{
			{Key: aws.String("name"), Value: aws.String(instanceName)},
		},
	})
	if err != nil {
		return err
	}
	log.LOG.Infof("%s created", *runResult.Instances[0].InstanceId)

	var vm *ec2.Instance
	for {
		log.LOG.Infof("waiting for vm start")
		vms, err := findRunningVM(svc)
		if err != nil {
			return err
		}
		if len(vms) >= 1 {
			vm = vms[0]
			break
		}
		time.Sleep(5 * time.Second)
	}

	addr := *vm.PublicIpAddress + ":22"
	log.LOG.Infof("connecting to %s", addr)
	var sshClient *ssh.Client
	for {
		sshClient, err = ssh.Dial("tcp", addr, sshConfig)
		if err == nil {
			break
		}
		log.LOG.Infof("waiting for ssh: %v", err)
		time.Sleep(5 * time.Second)
	}
	defer sshClient.Close()

	sshSession, err := sshClient.NewSession()
	if err != nil {
		return err
	}
	defer sshSession.Close()

	log.LOG.Infof("bootstrapping server on %s", *vm.PublicIpAddress)
	if err := sshSession.Run(bootstrap); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	log.LOG.Infof("server running on %s:%d", *vm.PublicIpAddress, serverPort)
	return nil
}

// StatusInstance prints the running server VM, if any.
func StatusInstance() error {
	svc, err := newEC2()
	if err != nil {
		return err
	}
	vms, err := findRunningVM(svc)
	if err != nil {
		return err
	}
	for _, vm := range vms {
		log.LOG.Infof("%s %s %s", *vm.InstanceId, *vm.State.Name, *vm.PublicIpAddress)
	}
	return nil
}

// StopInstance terminates the server VM and cleans up the key and group.
func StopInstance() error {
	svc, err := newEC2()
	if err != nil {
		return err
	}
	deleteKey(svc)
	vms, err := findRunningVM(svc)
	if err != nil {
		return err
	}
	for _, vm := range vms {
		svc.TerminateInstances(&ec2.TerminateInstancesInput{
			InstanceIds: []*string{vm.InstanceId},
		})
		log.LOG.Infof("%s terminated", *vm.InstanceId)
	}
	deleteSc(svc)
	return nil
}
